// Package models defines the data structures of the IGSN harvester.
package models

import "strings"

// NormalizeIGSN returns the value part of an IGSN string in upper case.
//
// Accepted forms include "10273/ABCD", "IGSN: abcd", "igsn:10273/ABCD",
// "http://hdl.handle.net/10273/ABCD" and "http://igsn.org/ABCD". The prefix is
// not verified beyond its label, so the value may still not be a registered
// IGSN. ok is false for strings that are clearly some other identifier.
func NormalizeIGSN(s string) (value string, ok bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}

	// url or path form
	if parts := strings.Split(s, "/"); len(parts) > 1 {
		label := strings.TrimSpace(parts[len(parts)-2])
		candidate := strings.TrimSpace(parts[len(parts)-1])
		switch label {
		case "10273", "IGSN.ORG", "IGSN", "IGSN:10273":
			return candidate, candidate != ""
		}
		return "", false
	}

	// scheme:value form
	if parts := strings.Split(s, ":"); len(parts) > 1 {
		label := strings.TrimSpace(parts[len(parts)-2])
		candidate := strings.TrimSpace(parts[len(parts)-1])
		switch label {
		case "IGSN", "10273":
			return candidate, candidate != ""
		}
		return "", false
	}

	return s, true
}
