// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
)

// CompatibleWith reports whether the manifest's advisory host-version
// bounds admit the given host version. The bounds are advisory: the
// registry logs the returned reason but does not refuse to load.
// Unparseable bounds or host versions are ignored with a warning.
func (m *Manifest) CompatibleWith(hostVersion string) (bool, string) {
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		slog.Warn("unparseable host version, skipping compatibility check",
			"host_version", hostVersion, "error", err)
		return true, ""
	}

	if m.MinHostVersion != "" {
		minVer, err := semver.NewVersion(m.MinHostVersion)
		switch {
		case err != nil:
			slog.Warn("unparseable minHostVersion in manifest",
				"plugin", m.ID, "min_host_version", m.MinHostVersion, "error", err)
		case host.LessThan(minVer):
			return false, fmt.Sprintf("requires host >= %s, host is %s", m.MinHostVersion, hostVersion)
		}
	}

	if m.MaxHostVersion != "" {
		maxVer, err := semver.NewVersion(m.MaxHostVersion)
		switch {
		case err != nil:
			slog.Warn("unparseable maxHostVersion in manifest",
				"plugin", m.ID, "max_host_version", m.MaxHostVersion, "error", err)
		case host.GreaterThan(maxVer):
			return false, fmt.Sprintf("requires host <= %s, host is %s", m.MaxHostVersion, hostVersion)
		}
	}

	return true, ""
}
