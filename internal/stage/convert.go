package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/mtforge/pkg/log"
)

// ToolConfig names the external tools the conversion stages call.
type ToolConfig struct {
	OptimumCLI string
	Python     string
	Runner     CommandRunner
}

func (c ToolConfig) withDefaults() ToolConfig {
	if c.OptimumCLI == "" {
		c.OptimumCLI = "optimum-cli"
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Runner == nil {
		c.Runner = NewExecRunner()
	}
	return c
}

type converter struct {
	tools ToolConfig
	now   func() time.Time
}

// NewConverter returns the convert stage executor. It exports the downloaded
// model to encoder/decoder ONNX graphs in the job directory.
func NewConverter(tools ToolConfig) Executor {
	return &converter{tools: tools.withDefaults(), now: time.Now}
}

func (c *converter) Stage() Stage {
	return StageConvert
}

func (c *converter) Execute(ctx context.Context, job Job) (ArtifactSet, error) {
	sourceDir := SourceDir(job.Dir)
	modelName, ok := readCompleteMarker(sourceDir)
	if !ok {
		return ArtifactSet{}, Errorf(ErrConversion, "no downloaded source model in %s", sourceDir)
	}
	if job.ModelName != "" {
		modelName = job.ModelName
	}

	exportDir := filepath.Join(job.Dir, exportDirName)
	if err := os.RemoveAll(exportDir); err != nil {
		return ArtifactSet{}, fmt.Errorf("clear export dir: %w", err)
	}
	defer os.RemoveAll(exportDir)

	cmd := Command{
		Name: c.tools.OptimumCLI,
		Args: []string{
			"export", "onnx",
			"--model", sourceDir,
			"--task", "text2text-generation",
			exportDir,
		},
		Dir: job.Dir,
	}
	log.Info("[%s] Converting %s to ONNX", job.Pair, modelName)
	res, err := c.tools.Runner.Run(ctx, cmd)
	if err != nil {
		return ArtifactSet{}, classifyToolFailure(ErrConversion, "onnx export failed", res, err)
	}

	for _, graph := range requiredGraphs {
		if _, err := os.Stat(filepath.Join(exportDir, graph)); err != nil {
			return ArtifactSet{}, Errorf(ErrConversion, "export produced no %s", graph).
				WithContext("model", modelName)
		}
	}

	if err := promoteExport(exportDir, job.Dir); err != nil {
		return ArtifactSet{}, fmt.Errorf("move export into place: %w", err)
	}
	removed, err := pruneArtifacts(job.Dir)
	if err != nil {
		return ArtifactSet{}, fmt.Errorf("prune artifacts: %w", err)
	}
	if removed > 0 {
		log.Info("[%s] Removed %d unneeded file(s)", job.Pair, removed)
	}

	size := onnxSizeMB(job.Dir)
	meta := Metadata{
		SourceLang:  job.Pair.Source,
		TargetLang:  job.Pair.Target,
		ModelName:   modelName,
		ConvertedAt: c.now().UTC(),
		SizeMB:      size,
	}
	if err := writeMetadata(job.Dir, meta); err != nil {
		return ArtifactSet{}, fmt.Errorf("write metadata: %w", err)
	}

	paths, err := listArtifacts(job.Dir)
	if err != nil {
		return ArtifactSet{}, err
	}
	return ArtifactSet{Paths: paths, ModelName: modelName, SizeMB: size}, nil
}

// promoteExport moves the runtime files from the export dir into the job dir,
// replacing artifacts of an earlier attempt.
func promoteExport(exportDir, jobDir string) error {
	entries, err := os.ReadDir(exportDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !runtimeFiles[entry.Name()] {
			continue
		}
		if err := os.Rename(filepath.Join(exportDir, entry.Name()), filepath.Join(jobDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
