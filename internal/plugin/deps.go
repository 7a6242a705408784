// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/samber/oops"
)

// specPattern is a conservative allow-list for dependency specifiers:
// a package name, optional bracketed extras, and optional comma-separated
// version constraints. Anything else is rejected before the package
// manager sees it, so a malicious manifest cannot inject arguments.
var specPattern = regexp.MustCompile(
	`^[A-Za-z0-9][A-Za-z0-9._-]*` + // package name
		`(\[[A-Za-z0-9._,-]+\])?` + // optional extras
		`((==|>=|<=|~=|!=|<|>)[A-Za-z0-9._*+-]+` + // optional constraint
		`(,(==|>=|<=|~=|!=|<|>)[A-Za-z0-9._*+-]+)*)?$`, // more constraints
)

// CommandRunner abstracts package-manager invocation for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	//nolint:gosec // name is host configuration, args are allow-list validated
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DepInstaller installs an extension's runtime dependencies before its
// code is loaded.
type DepInstaller struct {
	// bin is the package-manager executable. Empty disables installation:
	// extensions declaring runtime dependencies then fail to load.
	bin    string
	tree   string
	runner CommandRunner
}

// DepInstallerOption configures the installer.
type DepInstallerOption func(*DepInstaller)

// WithRunner overrides the command runner. Used in tests.
func WithRunner(r CommandRunner) DepInstallerOption {
	return func(d *DepInstaller) {
		d.runner = r
	}
}

// NewDepInstaller creates a dependency installer invoking bin with
// packages installed under tree.
func NewDepInstaller(bin, tree string, opts ...DepInstallerOption) *DepInstaller {
	d := &DepInstaller{
		bin:    bin,
		tree:   tree,
		runner: execRunner{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InstallResult reports the outcome of a dependency install. A package
// manager failure is a result, not an error, so the caller decides whether
// to abort the load.
type InstallResult struct {
	OK        bool
	Installed []string
	// Failed is the specifier that broke the run; Output is the package
	// manager's combined output for it.
	Failed string
	Output string
}

// ValidateSpecifiers returns every specifier that fails the allow-list.
func ValidateSpecifiers(specs []string) []string {
	var invalid []string
	for _, spec := range specs {
		if !specPattern.MatchString(spec) {
			invalid = append(invalid, spec)
		}
	}
	return invalid
}

// Install validates all specifiers and installs them one at a time. On any
// invalid specifier it fails fast with the full offender list and installs
// nothing. A package-manager failure stops the run and is reported in the
// result.
func (d *DepInstaller) Install(ctx context.Context, pluginID string, specs []string) (*InstallResult, error) {
	if len(specs) == 0 {
		return &InstallResult{OK: true}, nil
	}

	if invalid := ValidateSpecifiers(specs); len(invalid) > 0 {
		return nil, oops.Code(CodeLoad).
			With("plugin", pluginID).
			With("invalid_specifiers", strings.Join(invalid, ", ")).
			Errorf("refusing to install: %d dependency specifier(s) failed validation", len(invalid))
	}

	if d.bin == "" {
		return nil, oops.Code(CodeLoad).
			With("plugin", pluginID).
			New("extension declares runtime dependencies but no package manager is configured")
	}

	result := &InstallResult{OK: true}
	for _, spec := range specs {
		args := []string{"install"}
		if d.tree != "" {
			args = append(args, "--tree", d.tree)
		}
		args = append(args, spec)

		out, err := d.runner.Run(ctx, d.bin, args...)
		if err != nil {
			slog.Error("dependency install failed",
				"plugin", pluginID,
				"specifier", spec,
				"error", err)
			result.OK = false
			result.Failed = spec
			result.Output = string(out)
			return result, nil
		}
		result.Installed = append(result.Installed, spec)
	}

	slog.Info("installed runtime dependencies",
		"plugin", pluginID,
		"count", len(result.Installed))
	return result, nil
}
