// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package plugin provides extension management and lifecycle control.
package plugin

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Capability is a coarse flag describing what kind of code an extension ships.
type Capability string

// Capabilities recognized by the host. Unknown tokens in a manifest are
// dropped with a warning to tolerate forward-compatible manifests.
const (
	CapabilityBackend  Capability = "backend"
	CapabilityFrontend Capability = "frontend"
	CapabilityConfig   Capability = "config"
)

// Runtimes an extension may declare in its manifest.
const (
	RuntimeLua    = "lua"
	RuntimeNative = "native"
)

// CapabilitySet records which capabilities an extension declares.
type CapabilitySet struct {
	Backend  bool `json:"backend"`
	Frontend bool `json:"frontend"`
	Config   bool `json:"config"`
}

// ProvidedPermission is a permission gate an extension contributes to the
// host's permission catalog.
type ProvidedPermission struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Manifest is the parsed, validated descriptor of an extension. It is
// immutable after parsing.
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	License     string `json:"license,omitempty"`

	// MinHostVersion and MaxHostVersion are advisory compatibility bounds.
	MinHostVersion string `json:"minHostVersion,omitempty"`
	MaxHostVersion string `json:"maxHostVersion,omitempty"`

	// Runtime selects the host that executes the extension's backend
	// code. Defaults to RuntimeLua.
	Runtime string `json:"runtime,omitempty"`

	Capabilities CapabilitySet `json:"capabilities"`

	// RequiredPermissions are permission codes the extension needs from
	// the host. ProvidedPermissions are new gates it contributes; each
	// code is prefixed with "<id>.".
	RequiredPermissions []string             `json:"requiredPermissions,omitempty"`
	ProvidedPermissions []ProvidedPermission `json:"providedPermissions,omitempty"`

	// Dependencies are ids of other extensions this one needs.
	Dependencies []string `json:"dependencies,omitempty"`
	// RuntimeDependencies are package-manager specifiers installed before
	// the extension's code is loaded.
	RuntimeDependencies []string `json:"runtimeDependencies,omitempty"`

	// ExplicitTablePrefix overrides the prefix derived from the id for
	// schema-table naming. Access via TablePrefix.
	ExplicitTablePrefix string `json:"tablePrefix,omitempty"`
}

// idPattern validates extension ids: letters, digits, underscores, hyphens.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// rawManifest is the wire form of a descriptor before normalization.
// Capabilities and Permissions are polymorphic: capabilities accept an
// object-of-booleans or an array-of-names; permissions accept a flat array
// (legacy, all treated as required) or a required/provided object.
type rawManifest struct {
	ID                  string   `json:"id" yaml:"id"`
	Name                string   `json:"name" yaml:"name"`
	Version             string   `json:"version" yaml:"version"`
	Description         string   `json:"description" yaml:"description"`
	Author              string   `json:"author,omitempty" yaml:"author"`
	Homepage            string   `json:"homepage,omitempty" yaml:"homepage"`
	License             string   `json:"license,omitempty" yaml:"license"`
	MinHostVersion      string   `json:"minHostVersion,omitempty" yaml:"minHostVersion"`
	MaxHostVersion      string   `json:"maxHostVersion,omitempty" yaml:"maxHostVersion"`
	Runtime             string   `json:"runtime,omitempty" yaml:"runtime"`
	Capabilities        any      `json:"capabilities,omitempty" yaml:"capabilities"`
	Permissions         any      `json:"permissions,omitempty" yaml:"permissions"`
	Dependencies        []string `json:"dependencies,omitempty" yaml:"dependencies"`
	RuntimeDependencies []string `json:"runtimeDependencies,omitempty" yaml:"runtimeDependencies"`
	// PythonDependencies is the legacy key for runtime dependencies,
	// kept so manifests written for the original host still install.
	PythonDependencies []string `json:"pythonDependencies,omitempty" yaml:"pythonDependencies"`
	TablePrefix        string   `json:"tablePrefix,omitempty" yaml:"tablePrefix"`
}

// ParseManifest parses and validates a JSON descriptor.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeValidation).New("manifest data is empty")
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, oops.Code(CodeValidation).Hint("manifest must be valid JSON").Wrap(err)
	}
	return normalize(&raw)
}

// ParseManifestYAML parses and validates a YAML descriptor. JSON is the
// canonical form; YAML is accepted for hand-written manifests.
func ParseManifestYAML(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeValidation).New("manifest data is empty")
	}

	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, oops.Code(CodeValidation).Hint("manifest must be valid YAML").Wrap(err)
	}
	return normalize(&raw)
}

func normalize(raw *rawManifest) (*Manifest, error) {
	m := &Manifest{
		ID:                  raw.ID,
		Name:                raw.Name,
		Version:             raw.Version,
		Description:         raw.Description,
		Author:              raw.Author,
		Homepage:            raw.Homepage,
		License:             raw.License,
		MinHostVersion:      raw.MinHostVersion,
		MaxHostVersion:      raw.MaxHostVersion,
		Runtime:             raw.Runtime,
		Dependencies:        raw.Dependencies,
		RuntimeDependencies: raw.RuntimeDependencies,
		ExplicitTablePrefix: raw.TablePrefix,
	}
	if len(m.RuntimeDependencies) == 0 && len(raw.PythonDependencies) > 0 {
		slog.Warn("manifest uses legacy pythonDependencies key",
			"plugin", raw.ID)
		m.RuntimeDependencies = raw.PythonDependencies
	}

	caps, err := normalizeCapabilities(raw.ID, raw.Capabilities)
	if err != nil {
		return nil, err
	}
	m.Capabilities = caps

	required, provided, err := normalizePermissions(raw.ID, raw.Permissions)
	if err != nil {
		return nil, err
	}
	m.RequiredPermissions = required
	m.ProvidedPermissions = provided

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// normalizeCapabilities accepts either {"backend": true, ...} or
// ["backend", ...]. Unknown tokens are dropped with a warning.
func normalizeCapabilities(id string, v any) (CapabilitySet, error) {
	var set CapabilitySet
	switch caps := v.(type) {
	case nil:
		return set, nil
	case []any:
		for _, entry := range caps {
			name, ok := entry.(string)
			if !ok {
				slog.Warn("dropping non-string capability entry", "plugin", id)
				continue
			}
			if !set.apply(name, true) {
				slog.Warn("dropping unknown capability", "plugin", id, "capability", name)
			}
		}
		return set, nil
	case map[string]any:
		for name, val := range caps {
			enabled, ok := val.(bool)
			if !ok {
				slog.Warn("dropping non-boolean capability flag", "plugin", id, "capability", name)
				continue
			}
			if !set.apply(name, enabled) {
				slog.Warn("dropping unknown capability", "plugin", id, "capability", name)
			}
		}
		return set, nil
	default:
		return set, oops.Code(CodeValidation).
			With("plugin", id).
			Errorf("capabilities must be a list of names or an object of booleans")
	}
}

func (c *CapabilitySet) apply(name string, enabled bool) bool {
	switch Capability(name) {
	case CapabilityBackend:
		c.Backend = enabled
	case CapabilityFrontend:
		c.Frontend = enabled
	case CapabilityConfig:
		c.Config = enabled
	default:
		return false
	}
	return true
}

// List returns the enabled capability names in a fixed order.
func (c CapabilitySet) List() []Capability {
	var out []Capability
	if c.Backend {
		out = append(out, CapabilityBackend)
	}
	if c.Frontend {
		out = append(out, CapabilityFrontend)
	}
	if c.Config {
		out = append(out, CapabilityConfig)
	}
	return out
}

// normalizePermissions accepts the legacy flat array (all entries required)
// or an object with required/provided sub-lists. Provided entries may be
// plain code strings or {code, description} objects.
func normalizePermissions(id string, v any) (required []string, provided []ProvidedPermission, err error) {
	switch perms := v.(type) {
	case nil:
		return nil, nil, nil
	case []any:
		for _, entry := range perms {
			code, ok := entry.(string)
			if !ok {
				slog.Warn("dropping non-string permission entry", "plugin", id)
				continue
			}
			required = append(required, code)
		}
		return required, nil, nil
	case map[string]any:
		if reqs, ok := perms["required"].([]any); ok {
			for _, entry := range reqs {
				code, isStr := entry.(string)
				if !isStr {
					slog.Warn("dropping non-string required permission", "plugin", id)
					continue
				}
				required = append(required, code)
			}
		}
		provs, ok := perms["provided"].([]any)
		if !ok {
			return required, nil, nil
		}
		for _, entry := range provs {
			switch p := entry.(type) {
			case string:
				provided = append(provided, ProvidedPermission{Code: p})
			case map[string]any:
				code, _ := p["code"].(string)
				desc, _ := p["description"].(string)
				if code == "" {
					slog.Warn("dropping provided permission without code", "plugin", id)
					continue
				}
				provided = append(provided, ProvidedPermission{Code: code, Description: desc})
			default:
				slog.Warn("dropping malformed provided permission entry", "plugin", id)
			}
		}
		return required, provided, nil
	default:
		return nil, nil, oops.Code(CodeValidation).
			With("plugin", id).
			Errorf("permissions must be a list or a required/provided object")
	}
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return oops.Code(CodeValidation).
			With("field", "id").
			Errorf("id %q must be non-empty and contain only letters, digits, underscores, and hyphens", m.ID)
	}
	if m.Name == "" {
		return oops.Code(CodeValidation).With("field", "name").New("name is required")
	}
	if m.Version == "" {
		return oops.Code(CodeValidation).With("field", "version").New("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return oops.Code(CodeValidation).
			With("field", "version").
			Hint("version must be a semantic version like 1.2.3").
			Wrap(err)
	}
	if m.Description == "" {
		return oops.Code(CodeValidation).With("field", "description").New("description is required")
	}
	if m.Runtime != "" && m.Runtime != RuntimeLua && m.Runtime != RuntimeNative {
		return oops.Code(CodeValidation).
			With("field", "runtime").
			Errorf("runtime %q must be %q or %q", m.Runtime, RuntimeLua, RuntimeNative)
	}

	// Provided permission codes are namespaced by the declaring extension.
	// A wrong prefix is a cross-extension collision hazard, so this is a
	// hard error rather than a warning.
	prefix := m.ID + "."
	for _, p := range m.ProvidedPermissions {
		if !strings.HasPrefix(p.Code, prefix) {
			return oops.Code(CodeValidation).
				With("field", "permissions.provided").
				With("code", p.Code).
				Errorf("provided permission %q must be prefixed with %q", p.Code, prefix)
		}
	}

	return nil
}

// EffectiveRuntime returns the declared runtime, defaulting to lua.
func (m *Manifest) EffectiveRuntime() string {
	if m.Runtime == "" {
		return RuntimeLua
	}
	return m.Runtime
}

// TablePrefix returns the prefix for tables owned by this extension. An
// explicit manifest override always wins; otherwise the prefix is derived
// from the id: a single-word id becomes "<id>_", a hyphen/underscore
// separated id becomes the joined initials plus "_".
func (m *Manifest) TablePrefix() string {
	if m.ExplicitTablePrefix != "" {
		return m.ExplicitTablePrefix
	}
	return DeriveTablePrefix(m.ID)
}

// DeriveTablePrefix derives a table prefix from an extension id.
// "analytics" -> "analytics_", "time-tracking" -> "tt_",
// "data_export" -> "de_".
func DeriveTablePrefix(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool {
		return r == '-' || r == '_'
	})
	if len(words) <= 1 {
		return strings.ToLower(id) + "_"
	}
	var b strings.Builder
	for _, w := range words {
		b.WriteString(strings.ToLower(w[:1]))
	}
	b.WriteString("_")
	return b.String()
}
