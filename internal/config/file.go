package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// loadFile reads a flat YAML mapping of setting names to values, e.g.
//
//	DIFY_TYPE: chat
//	DIFY_API_KEY: ${DIFY_KEY}
//	SESSION_TIMEOUT: 30m
//
// ${VAR} references are expanded from the environment before parsing.
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return nil, fmt.Errorf("config file: %s must be a scalar", k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
