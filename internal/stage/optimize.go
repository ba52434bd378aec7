package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/mtforge/pkg/file"
	"github.com/MimeLyc/mtforge/pkg/log"
)

const quantizedSuffix = "_quantized"

type optimizer struct {
	tools ToolConfig
	now   func() time.Time
}

// NewOptimizer returns the quantize/optimize stage executor. It applies
// dynamic INT8 quantization to the exported graphs in place and compacts the
// JSON side files. Every failure it returns is an ErrOptimization.
func NewOptimizer(tools ToolConfig) Executor {
	return &optimizer{tools: tools.withDefaults(), now: time.Now}
}

func (o *optimizer) Stage() Stage {
	return StageOptimize
}

func (o *optimizer) Execute(ctx context.Context, job Job) (ArtifactSet, error) {
	if meta, err := ReadMetadata(job.Dir); err == nil && meta.OptimizedAt != nil {
		log.Info("[%s] Graphs already quantized at %s, skipping", job.Pair, meta.OptimizedAt.Format(time.RFC3339))
		paths, err := listArtifacts(job.Dir)
		if err != nil {
			return ArtifactSet{}, WrapError(err, ErrOptimization, "list artifacts")
		}
		return ArtifactSet{Paths: paths, ModelName: meta.ModelName, SizeMB: meta.SizeMB}, nil
	}

	originalSize := onnxSizeMB(job.Dir)

	quantizedDir := filepath.Join(job.Dir, quantizeDirName)
	if err := os.RemoveAll(quantizedDir); err != nil {
		return ArtifactSet{}, WrapError(err, ErrOptimization, "clear quantize dir")
	}
	defer os.RemoveAll(quantizedDir)

	cmd := Command{
		Name: o.tools.OptimumCLI,
		Args: []string{
			"onnxruntime", "quantize",
			"--onnx_model", job.Dir,
			"--avx512_vnni",
			"-o", quantizedDir,
		},
		Dir: job.Dir,
	}
	log.Info("[%s] Applying INT8 quantization", job.Pair)
	res, err := o.tools.Runner.Run(ctx, cmd)
	if err != nil {
		return ArtifactSet{}, asOptimizationError(classifyToolFailure(ErrOptimization, "quantization failed", res, err))
	}

	swapped, err := swapQuantized(quantizedDir, job.Dir)
	if err != nil {
		return ArtifactSet{}, WrapError(err, ErrOptimization, "replace graphs with quantized versions")
	}
	if swapped == 0 {
		return ArtifactSet{}, NewError(ErrOptimization, "quantizer produced no graphs")
	}

	compressed := compressJSON(job.Dir)

	size := onnxSizeMB(job.Dir)
	meta, err := ReadMetadata(job.Dir)
	if err != nil {
		log.Warn("[%s] Could not read metadata, rewriting it: %v", job.Pair, err)
		meta = Metadata{SourceLang: job.Pair.Source, TargetLang: job.Pair.Target, ModelName: job.ModelName}
	}
	optimizedAt := o.now().UTC()
	meta.OptimizedAt = &optimizedAt
	meta.Quantization = "int8-dynamic-avx512_vnni"
	meta.OriginalSizeMB = originalSize
	meta.SizeMB = size
	meta.CompressedJSONFile = compressed
	if err := writeMetadata(job.Dir, meta); err != nil {
		return ArtifactSet{}, WrapError(err, ErrOptimization, "update metadata")
	}

	if originalSize > 0 {
		log.Info("[%s] Quantized %.1fMB -> %.1fMB (-%.1f%%)", job.Pair, originalSize, size, (originalSize-size)/originalSize*100)
	}

	paths, err := listArtifacts(job.Dir)
	if err != nil {
		return ArtifactSet{}, WrapError(err, ErrOptimization, "list artifacts")
	}
	return ArtifactSet{Paths: paths, ModelName: meta.ModelName, SizeMB: size}, nil
}

// swapQuantized moves "<name>_quantized.onnx" over every "<name>.onnx" in
// jobDir. Nothing is moved unless the quantizer produced all of them.
func swapQuantized(quantizedDir, jobDir string) (int, error) {
	quantized, err := file.FindByExt(quantizedDir, ".onnx")
	if err != nil {
		return 0, err
	}
	byTarget := make(map[string]string, len(quantized))
	for _, q := range quantized {
		byTarget[file.StripNameSuffix(filepath.Base(q), quantizedSuffix)] = q
	}

	graphs, err := file.FindByExt(jobDir, ".onnx")
	if err != nil {
		return 0, err
	}
	for _, graph := range graphs {
		if _, ok := byTarget[filepath.Base(graph)]; !ok {
			return 0, fmt.Errorf("no quantized graph for %s", filepath.Base(graph))
		}
	}
	for i, graph := range graphs {
		if err := os.Rename(byTarget[filepath.Base(graph)], graph); err != nil {
			return i, err
		}
	}
	return len(graphs), nil
}

// compressJSON minifies JSON side files, keeping metadata.json readable.
func compressJSON(dir string) int {
	files, err := file.FindByExt(dir, ".json")
	if err != nil {
		return 0
	}
	count := 0
	for _, path := range files {
		if filepath.Base(path) == MetadataFile {
			continue
		}
		changed, err := file.MinifyJSON(path)
		if err != nil {
			log.Warn("Could not compress %s: %v", path, err)
			continue
		}
		if changed {
			count++
		}
	}
	return count
}

// asOptimizationError pins the kind to ErrOptimization while keeping the
// original classification in the context. Cancellation passes through.
func asOptimizationError(err error) error {
	stageErr, ok := err.(*Error)
	if !ok {
		return err
	}
	if stageErr.Kind != ErrOptimization {
		stageErr.WithContext("classified_as", stageErr.Kind.String())
		stageErr.Kind = ErrOptimization
	}
	return stageErr
}
