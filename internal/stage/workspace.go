package stage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	sourceDirName   = ".source"
	exportDirName   = ".export"
	quantizeDirName = "quantized"
	completeMarker  = ".complete"
	MetadataFile    = "metadata.json"
)

// runtimeFiles is the file set the mobile runtime and the smoke test need.
// Anything else the exporter writes into the artifact directory is removed.
var runtimeFiles = map[string]bool{
	"encoder_model.onnx":      true,
	"decoder_model.onnx":      true,
	"config.json":             true,
	"vocab.json":              true,
	"source.spm":              true,
	"target.spm":              true,
	"tokenizer_config.json":   true,
	"generation_config.json":  true,
	"special_tokens_map.json": true,
	MetadataFile:              true,
}

// requiredGraphs must exist after a successful export.
var requiredGraphs = []string{"encoder_model.onnx", "decoder_model.onnx"}

// SourceDir is where the download stage stores the upstream model for a job.
func SourceDir(jobDir string) string {
	return filepath.Join(jobDir, sourceDirName)
}

// RemoveSource deletes the downloaded upstream model of a finished job.
func RemoveSource(jobDir string) error {
	if strings.TrimSpace(jobDir) == "" {
		return fmt.Errorf("job directory is empty")
	}
	err := os.RemoveAll(SourceDir(jobDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// readCompleteMarker returns the model name recorded by a finished download.
func readCompleteMarker(sourceDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(sourceDir, completeMarker))
	if err != nil {
		return "", false
	}
	name := strings.TrimSpace(string(data))
	return name, name != ""
}

func writeCompleteMarker(sourceDir, modelName string) error {
	return os.WriteFile(filepath.Join(sourceDir, completeMarker), []byte(modelName+"\n"), 0o644)
}

// pruneArtifacts removes regular files in dir that are not runtime files.
// Hidden working directories are left alone.
func pruneArtifacts(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || runtimeFiles[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func listArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !runtimeFiles[entry.Name()] {
			continue
		}
		ret = append(ret, filepath.Join(dir, entry.Name()))
	}
	return ret, nil
}
