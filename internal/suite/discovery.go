package suite

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const manifestSuffix = ".suite.yaml"

// Discover walks suitesDir for *.suite.yaml manifests and parses them.
// Manifests are returned in path order so runs are deterministic. A manifest
// that fails to parse aborts discovery; a half-loaded run is worse than no
// run.
func Discover(suitesDir string) ([]*Suite, error) {
	absDir, err := filepath.Abs(suitesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve suites dir %q: %w", suitesDir, err)
	}

	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("suites dir does not exist: %s", absDir)
		}
		return nil, fmt.Errorf("stat suites dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("suites dir is not a directory: %s", absDir)
	}

	var paths []string
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Skip hidden directories.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), manifestSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk suites dir: %w", err)
	}
	sort.Strings(paths)

	suites := make([]*Suite, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read suite manifest: %w", err)
		}
		s, err := ParseManifest(data, path)
		if err != nil {
			return nil, err
		}
		suites = append(suites, s)
	}
	return suites, nil
}
