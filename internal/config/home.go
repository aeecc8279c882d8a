package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeDirName is the per-project state directory.
const HomeDirName = ".cadpilot"

// GetHome returns the cadpilot home directory.
// Priority order:
//  1. CADPILOT_HOME environment variable (if set)
//  2. <root>/.cadpilot when root is non-empty
//  3. The nearest ancestor of the working directory holding a .cadpilot-root marker
//  4. <cwd>/.cadpilot
//
// The directory is created if it doesn't exist.
func GetHome() (string, error) {
	return GetHomeWithRoot("")
}

// GetHomeWithRoot is GetHome with an explicit project root.
func GetHomeWithRoot(root string) (string, error) {
	if home := os.Getenv("CADPILOT_HOME"); home != "" {
		return home, nil
	}

	if root == "" {
		if found, err := findProjectRoot(); err == nil {
			root = found
		}
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		root = cwd
	}

	home := filepath.Join(root, HomeDirName)
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create cadpilot home directory: %w", err)
	}
	return home, nil
}

func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		if _, err := os.Stat(filepath.Join(current, ".cadpilot-root")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("project root not found (looking for .cadpilot-root)")
}

// ResolvePath maps a configured path onto the home directory.
// Absolute paths are returned unchanged. Paths under ".cadpilot/" are rebased
// onto home; other relative paths stay relative to the working directory.
func ResolvePath(path, home string) string {
	if path == "" || filepath.IsAbs(path) || home == "" {
		return path
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == HomeDirName {
		return home
	}
	if rest, ok := strings.CutPrefix(clean, HomeDirName+"/"); ok {
		return filepath.Join(home, filepath.FromSlash(rest))
	}
	return path
}
