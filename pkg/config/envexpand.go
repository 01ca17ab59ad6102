package config

import "os"

// expandEnv expands environment variables in YAML content using Go's standard
// library. Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Missing variables expand to empty string. Validation catches required
// fields that end up empty.
func expandEnv(data string) string {
	return os.ExpandEnv(data)
}
