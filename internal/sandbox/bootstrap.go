package sandbox

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed sql/init.sql
var defaultBootstrapScript string

// LoadBootstrap returns the schema/seed script applied to new and reset databases.
// An empty path selects the built-in script.
func LoadBootstrap(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return defaultBootstrapScript, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read bootstrap script: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("bootstrap script %s is empty", path)
	}
	return string(data), nil
}
