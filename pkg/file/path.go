package file

import (
	"path/filepath"
	"strings"
)

// StripNameSuffix removes suffix from the file name just before its extension.
// e.g. ("dir/encoder_model_quantized.onnx", "_quantized") -> "dir/encoder_model.onnx"
func StripNameSuffix(path, suffix string) string {
	if path == "" || suffix == "" {
		return path
	}

	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	ext := ""
	if lastDot := strings.LastIndex(filename, "."); lastDot > 0 {
		ext = filename[lastDot:]
		filename = filename[:lastDot]
	}

	return filepath.Join(dir, strings.TrimSuffix(filename, suffix)+ext)
}

// IsWithin reports whether target is base or lies under it.
func IsWithin(base, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
