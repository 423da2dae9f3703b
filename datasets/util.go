package datasets

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NA") {
		return 0, fmt.Errorf("empty value %q", s)
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// Auto-discovery helpers

func autoFindCSV(patterns []string) (string, error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err == nil && len(matches) > 0 {
			return pattern, nil
		}
	}
	return "", fmt.Errorf("no CSV files found in common locations")
}

// FindCSVInAssets returns a glob pattern matching the CSV files of dir.
func FindCSVInAssets(dir string) (string, error) {
	pattern := filepath.Join(dir, "*.csv")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no CSV files found in %s", dir)
	}
	return pattern, nil
}
