package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Catalog is the versioned permission and bootstrap role definition.
type Catalog struct {
	Version     int                    `yaml:"version"`
	Permissions map[string]string      `yaml:"permissions"`
	Roles       map[string]CatalogRole `yaml:"roles"`
}

// CatalogRole is the bootstrap definition of a role.
type CatalogRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("rbac: decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks naming and referential integrity of the catalog.
func (c *Catalog) Validate() error {
	if c.Version <= 0 {
		return errors.New("rbac: catalog version must be positive")
	}
	if len(c.Permissions) == 0 {
		return errors.New("rbac: catalog has no permissions")
	}
	for name := range c.Permissions {
		if !permissionPattern.MatchString(name) {
			return fmt.Errorf("rbac: invalid permission name %q", name)
		}
	}
	for roleName, role := range c.Roles {
		if roleName == "" {
			return errors.New("rbac: catalog role without name")
		}
		seen := make(map[string]struct{}, len(role.Permissions))
		for _, p := range role.Permissions {
			if _, ok := c.Permissions[p]; !ok {
				return fmt.Errorf("rbac: role %s references unknown permission %q", roleName, p)
			}
			if _, dup := seen[p]; dup {
				return fmt.Errorf("rbac: role %s lists %q twice", roleName, p)
			}
			seen[p] = struct{}{}
		}
	}
	for _, perm := range shared.CoreScopes() {
		if _, ok := c.Permissions[perm]; !ok {
			return fmt.Errorf("rbac: catalog is missing core permission %q", perm)
		}
	}
	for _, name := range systemRoles {
		if _, ok := c.Roles[name]; !ok {
			return fmt.Errorf("rbac: catalog is missing system role %s", name)
		}
	}
	return nil
}

// PermissionNames returns all permission names in sorted order.
func (c *Catalog) PermissionNames() []string {
	names := make([]string, 0, len(c.Permissions))
	for name := range c.Permissions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleNames returns all bootstrap role names in sorted order.
func (c *Catalog) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether perm is defined by the catalog.
func (c *Catalog) Contains(perm string) bool {
	_, ok := c.Permissions[normalizePermission(perm)]
	return ok
}

// RolePermissions returns the bootstrap permission set of a role.
func (c *Catalog) RolePermissions(role string) []string {
	r, ok := c.Roles[role]
	if !ok {
		return nil
	}
	return NewPermissionSet(slices.Clone(r.Permissions))
}
