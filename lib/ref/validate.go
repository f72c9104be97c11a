// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// validIDByte reports whether b may appear in a Chime identifier.
// The accepted set matches the characters that can appear inside a
// mention token (<@id|name>): ASCII letters, digits, hyphen, and
// underscore. Everything Chime hands out in practice (UUIDs) fits.
func validIDByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_':
		return true
	}
	return false
}

// checkID validates a raw identifier string for the named kind.
func checkID(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("empty %s", kind)
	}
	for i := 0; i < len(raw); i++ {
		if !validIDByte(raw[i]) {
			return fmt.Errorf("%s contains invalid byte %q: %q", kind, raw[i], raw)
		}
	}
	return nil
}
