// Package auth verifies admin bearer tokens and decides what each admin may
// do through an explicit Policy.
package auth

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"horse.fit/dupehub/internal/duplicates"
)

type Permission string

const (
	PermDuplicatesRead     Permission = "duplicates:read"
	PermDuplicatesWrite    Permission = "duplicates:write"
	PermDuplicatesMerge    Permission = "duplicates:merge"
	PermDuplicatesRollback Permission = "duplicates:rollback"
	PermUsersDeactivate    Permission = "users:deactivate"
	PermUsersHardDelete    Permission = "users:hard_delete"
)

var AllPermissions = []Permission{
	PermDuplicatesRead,
	PermDuplicatesWrite,
	PermDuplicatesMerge,
	PermDuplicatesRollback,
	PermUsersDeactivate,
	PermUsersHardDelete,
}

const (
	RoleSuperAdmin = "super_admin"
	RoleOpsAdmin   = "ops_admin"
)

func ParsePermission(raw string) (Permission, error) {
	value := Permission(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(AllPermissions, value) {
		return "", fmt.Errorf("unknown permission %q", raw)
	}
	return value, nil
}

type permissionSet map[Permission]struct{}

func newPermissionSet(perms ...Permission) permissionSet {
	set := make(permissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s permissionSet) sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type adminOverride struct {
	grant  permissionSet
	revoke permissionSet
}

// Policy maps roles to permission sets, with per-admin grants and revokes
// applied on top. Roles it does not list get nothing.
type Policy struct {
	roles  map[string]permissionSet
	admins map[string]adminOverride
}

func DefaultPolicy() *Policy {
	return &Policy{
		roles: map[string]permissionSet{
			RoleSuperAdmin: newPermissionSet(AllPermissions...),
			RoleOpsAdmin: newPermissionSet(
				PermDuplicatesRead,
				PermDuplicatesWrite,
				PermDuplicatesMerge,
				PermDuplicatesRollback,
				PermUsersDeactivate,
			),
		},
		admins: map[string]adminOverride{},
	}
}

type policyFile struct {
	Roles  map[string][]string `yaml:"roles"`
	Admins map[string]struct {
		Grant  []string `yaml:"grant"`
		Revoke []string `yaml:"revoke"`
	} `yaml:"admins"`
}

// LoadPolicy starts from DefaultPolicy and applies the YAML file at path.
// A role listed in the file replaces that role's default set. An empty path
// returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	path = strings.TrimSpace(path)
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := policy.apply(data); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return policy, nil
}

func (p *Policy) apply(data []byte) error {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for role, raw := range file.Roles {
		perms, err := parsePermissions(raw)
		if err != nil {
			return fmt.Errorf("role %s: %w", role, err)
		}
		p.roles[strings.TrimSpace(role)] = newPermissionSet(perms...)
	}
	for adminID, entry := range file.Admins {
		grant, err := parsePermissions(entry.Grant)
		if err != nil {
			return fmt.Errorf("admin %s grant: %w", adminID, err)
		}
		revoke, err := parsePermissions(entry.Revoke)
		if err != nil {
			return fmt.Errorf("admin %s revoke: %w", adminID, err)
		}
		p.admins[strings.TrimSpace(adminID)] = adminOverride{
			grant:  newPermissionSet(grant...),
			revoke: newPermissionSet(revoke...),
		}
	}
	return nil
}

func parsePermissions(raw []string) ([]Permission, error) {
	out := make([]Permission, 0, len(raw))
	for _, value := range raw {
		perm, err := ParsePermission(value)
		if err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	return out, nil
}

// Permissions resolves what the principal may do. A token that carries its
// own permission list can only narrow the policy, never widen it.
func (p *Policy) Permissions(principal Principal) ([]Permission, error) {
	roleSet, ok := p.roles[principal.Role]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", principal.Role, duplicates.ErrForbidden)
	}

	effective := make(permissionSet, len(roleSet))
	for perm := range roleSet {
		effective[perm] = struct{}{}
	}
	if override, ok := p.admins[principal.AdminID]; ok {
		for perm := range override.grant {
			effective[perm] = struct{}{}
		}
		for perm := range override.revoke {
			delete(effective, perm)
		}
	}
	if principal.Permissions != nil {
		narrowed := newPermissionSet(principal.Permissions...)
		for perm := range effective {
			if _, keep := narrowed[perm]; !keep {
				delete(effective, perm)
			}
		}
	}
	return effective.sorted(), nil
}

// Authorize returns an ErrForbidden error unless the principal holds every
// listed permission.
func (p *Policy) Authorize(principal Principal, required ...Permission) error {
	granted, err := p.Permissions(principal)
	if err != nil {
		return err
	}
	for _, perm := range required {
		if !slices.Contains(granted, perm) {
			return fmt.Errorf("missing %s: %w", perm, duplicates.ErrForbidden)
		}
	}
	return nil
}
