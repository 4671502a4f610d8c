package db

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, shared.ErrStorageUnavailable},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}, shared.ErrDuplicateName},
		{"foreign key", &pgconn.PgError{Code: "23503"}, shared.ErrNotFound},
		{"too many connections", &pgconn.PgError{Code: "53300"}, shared.ErrStorageUnavailable},
		{"connection exception", &pgconn.PgError{Code: "08006"}, shared.ErrStorageUnavailable},
		{"query canceled", &pgconn.PgError{Code: "57014"}, shared.ErrStorageUnavailable},
		{"already classified", shared.ErrStorageUnavailable, shared.ErrStorageUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, Classify(tc.err), tc.want)
		})
	}

	other := &pgconn.PgError{Code: "22001"}
	assert.Same(t, other, Classify(other))
	plain := errors.New("boom")
	assert.Equal(t, plain, Classify(plain))
}

func TestClassifyKeepsConstraintName(t *testing.T) {
	err := Classify(&pgconn.PgError{Code: "23505", ConstraintName: "roles_name_key"})
	assert.True(t, strings.Contains(err.Error(), "roles_name_key"))
}

func TestGuardContext(t *testing.T) {
	ctx, cancel := Guard{Timeout: 50 * time.Millisecond}.Context(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 40*time.Millisecond)

	ctx, cancel = Guard{}.Context(context.Background())
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTimeout), deadline, time.Second)
}

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	err  error
	opts pgx.TxOptions
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	b := &fakeBeginner{tx: &fakeTx{}}
	require.NoError(t, WithTx(ctx, b, func(pgx.Tx) error { return nil }))
	assert.True(t, b.tx.committed)
	assert.Equal(t, pgx.RepeatableRead, b.opts.IsoLevel)

	b = &fakeBeginner{tx: &fakeTx{}}
	sentinel := errors.New("fn failed")
	assert.ErrorIs(t, WithTx(ctx, b, func(pgx.Tx) error { return sentinel }), sentinel)
	assert.False(t, b.tx.committed)
	assert.True(t, b.tx.rolledBack)

	b = &fakeBeginner{tx: &fakeTx{commitErr: &pgconn.PgError{Code: "57P01"}}}
	assert.ErrorIs(t, WithTx(ctx, b, func(pgx.Tx) error { return nil }), shared.ErrStorageUnavailable)
	assert.True(t, b.tx.rolledBack)

	b = &fakeBeginner{err: context.DeadlineExceeded}
	assert.ErrorIs(t, WithTx(ctx, b, func(pgx.Tx) error { return nil }), shared.ErrStorageUnavailable)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	raw, err := fs.ReadFile(migrations, files[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "-- +goose Up")
	assert.Contains(t, string(raw), "-- +goose Down")
}
