// ABOUTME: Permission policy mapping participant capabilities to permissions
// ABOUTME: PassThrough grants everything; CapabilityPolicy uses an explicit lookup table

package participant

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2389/coven-courier/internal/apperr"
)

// Permission names an action a participant may take.
type Permission string

const (
	PermSend    Permission = "message:send"
	PermRespond Permission = "message:respond"
	PermRead    Permission = "message:read"
	PermResolve Permission = "message:resolve"
	PermCancel  Permission = "message:cancel"
	PermArchive Permission = "message:archive"
	PermCompact Permission = "thread:compact"
)

// AllPermissions lists every permission.
var AllPermissions = []Permission{
	PermSend,
	PermRespond,
	PermRead,
	PermResolve,
	PermCancel,
	PermArchive,
	PermCompact,
}

// ParsePermission validates a permission name. The short form drops the
// resource prefix, so "send" parses as message:send.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if slices.Contains(AllPermissions, p) {
		return p, nil
	}
	if !strings.Contains(s, ":") {
		for _, known := range AllPermissions {
			if _, action, _ := strings.Cut(string(known), ":"); action == s {
				return known, nil
			}
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Policy derives a permission set from a capability set.
type Policy interface {
	Permissions(capabilities []string) PermissionSet
}

// PassThrough grants every permission to every participant.
type PassThrough struct{}

// Permissions implements Policy.
func (PassThrough) Permissions([]string) PermissionSet {
	return NewPermissionSet(AllPermissions...)
}

// CapabilityPolicy grants the union of the permissions mapped from each
// capability. Capabilities absent from Grants grant nothing.
type CapabilityPolicy struct {
	Grants map[string][]Permission
}

// DefaultGrants is a capability table suitable for a restricted deployment.
func DefaultGrants() map[string][]Permission {
	return map[string][]Permission{
		"messaging":   {PermSend, PermRespond, PermRead},
		"coordinator": {PermResolve, PermCancel, PermArchive},
		"curator":     {PermCompact, PermArchive},
		"admin":       AllPermissions,
	}
}

// Permissions implements Policy.
func (p CapabilityPolicy) Permissions(capabilities []string) PermissionSet {
	set := PermissionSet{}
	for _, c := range capabilities {
		for _, perm := range p.Grants[c] {
			set[perm] = struct{}{}
		}
	}
	return set
}

// Authorize returns a permission error unless policy grants perm to p.
func Authorize(policy Policy, p *Participant, perm Permission) error {
	if policy.Permissions(p.Capabilities).Has(perm) {
		return nil
	}
	return apperr.Permission("permission_denied", "%s lacks %s", p.ID, perm).
		WithEntity(p.ID).
		WithDetail("permission", string(perm))
}
