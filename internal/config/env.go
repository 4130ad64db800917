package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvSearchPaths are the .env files considered when no explicit env
// file is given. The first existing file wins.
var DefaultEnvSearchPaths = []string{".env"}

// LoadEnvironment builds the flat environment mapping for one invocation.
//
// Precedence (lowest to highest):
//  1. the first existing file in searchPaths
//  2. explicit, if non-empty (it must exist)
//  3. the process environment
//
// The returned map is owned by the caller and never mutated afterwards.
func LoadEnvironment(explicit string, searchPaths []string) (map[string]string, error) {
	merged := map[string]string{}

	for _, candidate := range searchPaths {
		values, err := readEnvFile(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		mergeInto(merged, values)
		break
	}

	if explicit = strings.TrimSpace(explicit); explicit != "" {
		values, err := readEnvFile(explicit)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("environment file %s does not exist", explicit)
		}
		if err != nil {
			return nil, err
		}
		mergeInto(merged, values)
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	return merged, nil
}

func readEnvFile(path string) (map[string]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("environment file %s is a directory", path)
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return values, nil
}

func mergeInto(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
