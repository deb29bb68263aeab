package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCollectionIDMalformed is returned when a collection ID does not follow
// the CC-MAIN-YYYY-WW convention Common Crawl publishes collections under.
var ErrCollectionIDMalformed = errors.New("collection ID must look like CC-MAIN-YYYY-WW")

// yearFromCollection extracts the four-digit year embedded in a collection
// ID such as "CC-MAIN-2024-33".
func yearFromCollection(collection string) (string, error) {
	parts := strings.Split(collection, "-")
	if len(parts) != 4 || parts[0] != "CC" || parts[1] != "MAIN" || len(parts[2]) != 4 {
		return "", fmt.Errorf("%w: got %q", ErrCollectionIDMalformed, collection)
	}

	return parts[2], nil
}

// listMatchingDirs lists the immediate subdirectories of root, optionally
// narrowed to names matching pattern (empty matches everything).
func listMatchingDirs(root, pattern string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing %q: %w", root, err)
	}

	var out []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if pattern != "" {
			matched, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return nil, fmt.Errorf("matching pattern %q: %w", pattern, err)
			}

			if !matched {
				continue
			}
		}

		out = append(out, e.Name())
	}

	return out, nil
}
