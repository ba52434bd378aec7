package stage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/mtforge/pkg/file"
)

// Metadata is written next to the converted graphs for the mobile app.
type Metadata struct {
	SourceLang         string     `json:"source_lang"`
	TargetLang         string     `json:"target_lang"`
	ModelName          string     `json:"model_name"`
	ConvertedAt        time.Time  `json:"converted_at"`
	OptimizedAt        *time.Time `json:"optimized_at,omitempty"`
	Quantization       string     `json:"quantization,omitempty"`
	SizeMB             float64    `json:"size_mb"`
	OriginalSizeMB     float64    `json:"original_size_mb,omitempty"`
	CompressedJSONFile int        `json:"compressed_json_files,omitempty"`
}

func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func writeMetadata(dir string, meta Metadata) error {
	return file.WriteJSONAtomic(filepath.Join(dir, MetadataFile), meta)
}

func onnxSizeMB(dir string) float64 {
	size, err := file.SizeMB(dir, ".onnx")
	if err != nil {
		return 0
	}
	return size
}
