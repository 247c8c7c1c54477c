// Package config provides configuration loading and validation for the capture service.
// It reads a YAML file, expands ${VAR} references (optionally from a sibling .env file)
// and validates every section before the service starts.
package config
