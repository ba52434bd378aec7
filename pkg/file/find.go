package file

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FindByExt returns regular files directly inside dir whose extension is one of exts.
func FindByExt(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ret []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slices.Contains(exts, strings.ToLower(filepath.Ext(entry.Name()))) {
			ret = append(ret, filepath.Join(dir, entry.Name()))
		}
	}
	return ret, nil
}

// SizeMB sums the size of files under dir (recursively) with one of exts, in MiB.
func SizeMB(dir string, exts ...string) (float64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(exts) > 0 && !slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return float64(total) / (1024 * 1024), err
}
