package config

import (
	"log"
	"slices"
	"strings"
)

func MustNonEmptyBytes(value []byte, envName string) {
	if len(value) == 0 {
		log.Fatalf("missing required env %s", envName)
	}
}

func MustOneOf(value, envName string, allowed ...string) {
	if !slices.Contains(allowed, value) {
		log.Fatalf("env %s=%q must be one of %s", envName, value, strings.Join(allowed, "|"))
	}
}

// MustKeyLen accepts an empty value; a set key must have exactly n bytes.
func MustKeyLen(value []byte, envName string, n int) {
	if len(value) != 0 && len(value) != n {
		log.Fatalf("env %s must be %d bytes, got %d", envName, n, len(value))
	}
}
