// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// storage keys, URL paths, or broadcast payloads. Using these validators
// prevents injection attacks (path traversal, key collisions, malformed
// broadcast frames).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// nodeIDPattern matches valid grid node identifiers.
// Allows: letters, digits, then dots, underscores, and hyphens.
// Max length: 64 characters.
var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateNodeID validates a grid node identifier before it is used as a
// storage key or URL path segment.
//
// Valid ids:
//   - 1-64 characters
//   - Letters A-Z / a-z and digits 0-9
//   - Dots (.), underscores (_), and hyphens (-) after the first character
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateNodeID(id); err != nil {
//	    return nil, fmt.Errorf("invalid node id: %w", err)
//	}
//	// Safe to use as a storage key
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	if !nodeIDPattern.MatchString(id) {
		return fmt.Errorf("invalid node id format: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", id)
	}

	return nil
}

// ValidateNodeIDs validates multiple node identifiers.
// Returns an error listing all invalid ids if any fail validation.
func ValidateNodeIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateNodeID(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid node ids: %v", invalid)
	}
	return nil
}

// SanitizeNodeID normalizes and validates a node identifier.
// Returns the trimmed id if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	safeID, err := validation.SanitizeNodeID(userInput)
//	if err != nil {
//	    return nil, err
//	}
func SanitizeNodeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateNodeID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
