package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFiles seeds the process environment from KEY=VALUE files without
// overriding variables that are already set. Earlier paths win. When no
// explicit file is given, <config dir>/secrets.env and ./.env are tried.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{filepath.Join(configDir(), "secrets.env"), ".env"}
	}
	var lastErr error
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := loadEnvFile(p); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ParseEnv reads KEY=VALUE pairs. Lines starting with # are ignored, an
// "export " prefix is accepted and surrounding quotes are stripped.
func ParseEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out, s.Err()
}

func loadEnvFile(path string) error {
	values, err := ParseEnv(path)
	if err != nil {
		return err
	}
	for k, v := range values {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
