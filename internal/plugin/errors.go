// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes attached to oops errors across the extension runtime. API
// handlers map them onto HTTP statuses.
const (
	// CodeValidation marks manifest or input validation failures.
	CodeValidation = "VALIDATION_FAILED"
	// CodeLoad marks failures to read, parse, or execute extension code.
	CodeLoad = "LOAD_FAILED"
	// CodeConflict marks installs that collide with an existing extension.
	CodeConflict = "PLUGIN_CONFLICT"
	// CodeMigration marks schema migration failures.
	CodeMigration = "MIGRATION_FAILED"
	// CodeNotInstalled marks operations on an unknown extension.
	CodeNotInstalled = "PLUGIN_NOT_INSTALLED"
)

func hasCode(err error, code string) bool {
	var oopsErr oops.OopsError
	if errors.As(err, &oopsErr) {
		return oopsErr.Code() == code
	}
	return false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsLoadFailure reports whether err is an extension load failure.
func IsLoadFailure(err error) bool { return hasCode(err, CodeLoad) }

// IsConflict reports whether err is an install conflict.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsMigrationFailure reports whether err is a schema migration failure.
func IsMigrationFailure(err error) bool { return hasCode(err, CodeMigration) }

// IsNotInstalled reports whether err refers to an unknown extension.
func IsNotInstalled(err error) bool { return hasCode(err, CodeNotInstalled) }
