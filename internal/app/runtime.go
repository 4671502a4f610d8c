package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// testModeEnv is set by the shared test bootstrap so binaries linked into
// tests never open connections.
const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func loadTestMode() {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.Store(err == nil && on)
}

// InTestMode reports whether cmd/iam and cmd/worker should skip startup.
func InTestMode() bool {
	testModeOnce.Do(loadTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads the environment.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	loadTestMode()
}
