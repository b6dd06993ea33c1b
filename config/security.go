package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/pilotstreams/errors"
)

const (
	maxConfigSize = 10 << 20 // bytes, per file and per KV value
	maxJSONDepth  = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// validateConfigPath accepts absolute paths and relative paths that stay
// inside the working directory, ending in .json.
func validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty config path", errors.ErrInvalidConfig)
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("%w: path too long: %d > %d", errors.ErrInvalidConfig, len(path), maxPathLen)
	}
	if !strings.HasSuffix(path, ".json") {
		return fmt.Errorf("%w: only JSON config files allowed: %s", errors.ErrInvalidConfig, path)
	}
	if filepath.IsAbs(path) {
		return nil
	}
	if !filepath.IsLocal(path) {
		return fmt.Errorf("%w: %s resolves outside working directory", errors.ErrInvalidConfig, path)
	}
	return nil
}

// safeReadFile reads a regular config file no larger than maxConfigSize
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	// Lstat so a symlink is rejected rather than followed.
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file: %s", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes > %d", errors.ErrInvalidConfig, info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	return data, nil
}

// safeWriteFile writes a config file readable only by its owner
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "check path")
	}
	if len(data) > maxConfigSize {
		return errors.WrapInvalid(fmt.Errorf("%w: config data too large: %d bytes", errors.ErrInvalidConfig, len(data)),
			"Config", "SaveToFile", "check size")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write file")
	}
	return nil
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%w: environment variable %s too long: %d > %d", errors.ErrInvalidConfig, key, len(value), maxEnvVarLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%w: null byte in environment variable %s", errors.ErrInvalidConfig, key)
	}
	return nil
}

// validateJSONDepth rejects documents nested deeper than maxJSONDepth or
// with unbalanced brackets, before they reach the decoder.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString := false
	escaped := false

	for _, b := range data {
		switch {
		case escaped:
			escaped = false
			continue
		case inString && b == '\\':
			escaped = true
			continue
		case b == '"':
			inString = !inString
			continue
		case inString:
			continue
		}

		switch b {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("%w: JSON nesting too deep: %d > %d", errors.ErrInvalidData, depth, maxJSONDepth)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unbalanced brackets", errors.ErrInvalidData)
			}
		}
	}

	if depth != 0 {
		return fmt.Errorf("%w: unclosed brackets (depth=%d)", errors.ErrInvalidData, depth)
	}
	return nil
}
