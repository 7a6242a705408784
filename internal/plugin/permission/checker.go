// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package permission classifies and validates extension permission codes
// against the host's permission vocabulary.
//
// Grant matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
package permission

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// safePermissions are host gates an extension may hold without putting
// other users' data or the host itself at risk.
var safePermissions = []string{
	"trips.read",
	"trips.write",
	"events.read",
	"events.write",
	"expenses.read",
	"expenses.write",
	"time.read",
	"time.write",
	"tags.read",
	"tags.write",
	"reports.generate",
	"profile.read",
	"notifications.send",
}

// dangerousPermissions are host gates that reach beyond the requesting
// user's own data. Surfaced with a warning flag in admin UIs.
var dangerousPermissions = []string{
	"users.read",
	"users.manage",
	"settings.write",
	"permissions.manage",
	"files.write",
	"database.admin",
	"plugins.manage",
}

// DisplayPermission is the UI-facing form of a permission code.
type DisplayPermission struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Dangerous   bool   `json:"dangerous"`
}

// Checker validates permission-set membership and subset relationships
// over the host vocabulary plus extension-provided gates.
//
// The zero value is not usable; call NewChecker.
type Checker struct {
	mu        sync.RWMutex
	safe      map[string]struct{}
	dangerous map[string]struct{}
	// provided tracks extension-contributed gates by owning plugin id so
	// they can be removed as a unit on uninstall.
	provided     map[string][]string
	descriptions map[string]string
}

// NewChecker creates a checker seeded with the host vocabulary.
func NewChecker() *Checker {
	c := &Checker{
		safe:         make(map[string]struct{}, len(safePermissions)),
		dangerous:    make(map[string]struct{}, len(dangerousPermissions)),
		provided:     make(map[string][]string),
		descriptions: make(map[string]string),
	}
	for _, p := range safePermissions {
		c.safe[p] = struct{}{}
	}
	for _, p := range dangerousPermissions {
		c.dangerous[p] = struct{}{}
	}
	return c
}

// IsValid reports whether code is a known permission.
func (c *Checker) IsValid(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isValidLocked(code)
}

func (c *Checker) isValidLocked(code string) bool {
	if _, ok := c.safe[code]; ok {
		return true
	}
	_, ok := c.dangerous[code]
	return ok
}

// Parse splits codes into known and unknown entries. It never fails:
// unknown entries are reported, not rejected, so the caller decides
// whether they are a warning or an error.
func (c *Checker) Parse(codes []string) (valid, invalid []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, code := range codes {
		if c.isValidLocked(code) {
			valid = append(valid, code)
		} else {
			invalid = append(invalid, code)
		}
	}
	return valid, invalid
}

// DangerousSubset returns the entries of codes classified as dangerous.
func (c *Checker) DangerousSubset(codes []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, code := range codes {
		if _, ok := c.dangerous[code]; ok {
			out = append(out, code)
		}
	}
	return out
}

// SafeSubset returns the entries of codes classified as safe.
func (c *Checker) SafeSubset(codes []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, code := range codes {
		if _, ok := c.safe[code]; ok {
			out = append(out, code)
		}
	}
	return out
}

// FormatForDisplay annotates codes with a dangerous flag and any known
// description for UI consumption.
func (c *Checker) FormatForDisplay(codes []string) []DisplayPermission {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DisplayPermission, 0, len(codes))
	for _, code := range codes {
		_, dangerous := c.dangerous[code]
		out = append(out, DisplayPermission{
			Code:        code,
			Description: c.descriptions[code],
			Dangerous:   dangerous,
		})
	}
	return out
}

// RegisterProvidedPermissions adds extension-contributed gates to the
// vocabulary, classified as safe: a provided gate is namespaced by its
// extension and only guards that extension's own surface. Codes are keyed
// by owning plugin id so UnregisterProvidedPermissions removes them as a
// unit. Re-registering for the same id replaces the previous set.
func (c *Checker) RegisterProvidedPermissions(pluginID string, perms map[string]string) error {
	if pluginID == "" {
		return oops.Code("INVALID_PLUGIN_ID").New("plugin id cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeProvidedLocked(pluginID)

	codes := make([]string, 0, len(perms))
	for code, desc := range perms {
		c.safe[code] = struct{}{}
		if desc != "" {
			c.descriptions[code] = desc
		}
		codes = append(codes, code)
	}
	sort.Strings(codes)
	c.provided[pluginID] = codes
	return nil
}

// UnregisterProvidedPermissions removes every gate contributed by the
// given plugin id. Unknown ids are a no-op.
func (c *Checker) UnregisterProvidedPermissions(pluginID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeProvidedLocked(pluginID)
	return nil
}

func (c *Checker) removeProvidedLocked(pluginID string) {
	for _, code := range c.provided[pluginID] {
		delete(c.safe, code)
		delete(c.descriptions, code)
	}
	delete(c.provided, pluginID)
}

// ProvidedBy returns the gates contributed by the given plugin id.
func (c *Checker) ProvidedBy(pluginID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.provided[pluginID]))
	copy(out, c.provided[pluginID])
	return out
}

// CheckSubset reports whether every required code is covered by the
// granted set. Granted entries may be glob patterns over '.'-separated
// segments ("expenses.*" covers "expenses.read"). Invalid patterns are
// skipped with a warning rather than failing the whole check.
func CheckSubset(required, granted []string) (allGranted bool, missing []string) {
	globs := make([]glob.Glob, 0, len(granted))
	for _, pattern := range granted {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			slog.Warn("skipping invalid permission grant pattern",
				"pattern", pattern, "error", err)
			continue
		}
		globs = append(globs, g)
	}

	for _, code := range required {
		matched := false
		for _, g := range globs {
			if g.Match(code) {
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, code)
		}
	}
	return len(missing) == 0, missing
}
