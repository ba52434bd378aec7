package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/MimeLyc/mtforge/pkg/log"
)

// sourceFiles are the upstream files the exporter needs, in download order.
var sourceFiles = []string{
	"config.json",
	"generation_config.json",
	"model.safetensors",
	"pytorch_model.bin",
	"source.spm",
	"target.spm",
	"vocab.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
}

type downloader struct {
	hub *HubClient
}

// NewDownloader returns the download stage executor.
func NewDownloader(hub *HubClient) Executor {
	return &downloader{hub: hub}
}

func (d *downloader) Stage() Stage {
	return StageDownload
}

func (d *downloader) Execute(ctx context.Context, job Job) (ArtifactSet, error) {
	sourceDir := SourceDir(job.Dir)
	if name, ok := readCompleteMarker(sourceDir); ok {
		log.Info("[%s] Source model %s already downloaded", job.Pair, name)
		paths, _ := filepath.Glob(filepath.Join(sourceDir, "*"))
		return ArtifactSet{Paths: paths, ModelName: name}, nil
	}

	// leftovers from an interrupted attempt
	if err := os.RemoveAll(sourceDir); err != nil {
		return ArtifactSet{}, fmt.Errorf("clear stale source dir: %w", err)
	}

	candidates := job.Pair.ModelCandidates()
	for idx, repo := range candidates {
		log.Info("[%s] Trying [%d/%d]: %s", job.Pair, idx+1, len(candidates), repo)

		files, err := d.hub.ListFiles(ctx, repo)
		if errors.Is(err, errRepoMissing) {
			log.Info("[%s] %s not available, trying next option", job.Pair, repo)
			continue
		}
		if err != nil {
			return ArtifactSet{}, err
		}

		wanted := selectSourceFiles(files)
		if wanted == nil {
			log.Warn("[%s] %s has no usable weights, trying next option", job.Pair, repo)
			continue
		}

		paths := make([]string, 0, len(wanted))
		for _, name := range wanted {
			dest := filepath.Join(sourceDir, name)
			if err := d.hub.DownloadFile(ctx, repo, name, dest); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ArtifactSet{}, ctxErr
				}
				if errors.Is(err, errRepoMissing) {
					err = NewErrorWithCause(ErrNetwork, "listed file disappeared", err)
				}
				return ArtifactSet{}, asStageError(err).WithContext("repo", repo).WithContext("file", name)
			}
			paths = append(paths, dest)
		}

		if err := writeCompleteMarker(sourceDir, repo); err != nil {
			return ArtifactSet{}, fmt.Errorf("write download marker: %w", err)
		}
		log.Info("[%s] Downloaded %s (%d files)", job.Pair, repo, len(paths))
		return ArtifactSet{Paths: paths, ModelName: repo}, nil
	}

	return ArtifactSet{}, Errorf(ErrNotFound, "no pretrained model found for %s", job.Pair).
		WithContext("candidates", len(candidates))
}

// selectSourceFiles picks the needed files from a repository listing. It
// returns nil when config or weights are missing. Safetensors wins over the
// pickle checkpoint when both exist.
func selectSourceFiles(files []string) []string {
	if !slices.Contains(files, "config.json") {
		return nil
	}
	hasSafetensors := slices.Contains(files, "model.safetensors")
	hasBin := slices.Contains(files, "pytorch_model.bin")
	if !hasSafetensors && !hasBin {
		return nil
	}

	ret := make([]string, 0, len(sourceFiles))
	for _, name := range sourceFiles {
		if name == "pytorch_model.bin" && hasSafetensors {
			continue
		}
		if slices.Contains(files, name) {
			ret = append(ret, name)
		}
	}
	return ret
}

// asStageError keeps stage errors as they are. Anything else happened while
// streaming a download and is reported as a network error.
func asStageError(err error) *Error {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr
	}
	return NewErrorWithCause(ErrNetwork, "download failed", err)
}
