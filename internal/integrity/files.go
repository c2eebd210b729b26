package integrity

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"repoguard.org/internal/seal"
)

// ReadFiles loads the named paths relative to root. Unreadable files are
// returned with Err set so verification can report them CORRUPTED.
func ReadFiles(root string, paths []string) []File {
	out := make([]File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
		out = append(out, File{Path: p, Content: data, Err: err})
	}
	return out
}

// TreeFiles lists the regular files under root as slash-separated relative
// paths, skipping containment markers and directories whose name is in
// excluded.
func TreeFiles(root string, excluded []string) ([]string, error) {
	skip := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		skip[name] = true
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || d.Name() == seal.LockFile || d.Name() == seal.BlockFile {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
