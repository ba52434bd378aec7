package stage

import (
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/MimeLyc/mtforge/pkg/log"
)

//go:embed scripts/smoke.py
var smokeScript string

// minDetectConfidence is the whatlanggo confidence above which a language
// mismatch counts as a failure. Short outputs below it are accepted.
const minDetectConfidence = 0.8

// testSentences are the smoke inputs per source language.
var testSentences = map[string]string{
	"en": "Hello, how are you?",
	"tr": "Merhaba, nasılsın?",
	"de": "Hallo, wie geht es dir?",
	"fr": "Bonjour, comment allez-vous?",
	"it": "Ciao, come stai?",
	"pt": "Olá, como você está?",
	"es": "Hola, ¿cómo estás?",
}

// TestSentence returns the smoke input for a source language.
func TestSentence(lang string) string {
	if s, ok := testSentences[lang]; ok {
		return s
	}
	return "Hello world"
}

type smokeTester struct {
	tools ToolConfig
}

// NewSmokeTester returns the test stage executor. It translates one sentence
// through the produced artifacts and validates the output.
func NewSmokeTester(tools ToolConfig) Executor {
	return &smokeTester{tools: tools.withDefaults()}
}

func (t *smokeTester) Stage() Stage {
	return StageTest
}

func (t *smokeTester) Execute(ctx context.Context, job Job) (ArtifactSet, error) {
	input := TestSentence(job.Pair.Source)
	cmd := Command{
		Name: t.tools.Python,
		Args: []string{"-c", smokeScript, job.Dir, input},
		Dir:  job.Dir,
		Env:  []string{"PYTHONIOENCODING=utf-8"},
	}
	res, err := t.tools.Runner.Run(ctx, cmd)
	if err != nil {
		return ArtifactSet{}, classifyToolFailure(ErrTest, "smoke translation failed", res, err)
	}

	translation, err := parseSmokeOutput(res.Stdout)
	if err != nil {
		return ArtifactSet{}, err
	}
	if err := CheckTranslation(translation, job.Pair.Target); err != nil {
		return ArtifactSet{}, err.WithContext("input", input).WithContext("output", translation)
	}
	log.Info("[%s] Smoke test '%s' -> '%s'", job.Pair, input, translation)

	paths, err := listArtifacts(job.Dir)
	if err != nil {
		return ArtifactSet{}, WrapError(err, ErrTest, "list artifacts")
	}
	return ArtifactSet{Paths: paths, ModelName: job.ModelName, SizeMB: onnxSizeMB(job.Dir)}, nil
}

// parseSmokeOutput reads the last JSON line the smoke script printed.
// Libraries may log to stdout before it.
func parseSmokeOutput(stdout string) (string, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out struct {
			Translation *string `json:"translation"`
		}
		if err := json.Unmarshal([]byte(line), &out); err != nil || out.Translation == nil {
			continue
		}
		return *out.Translation, nil
	}
	return "", NewError(ErrTest, "smoke script produced no result").WithContext("stdout", tail(stdout, 3))
}

// CheckTranslation validates a smoke translation: non-empty, valid UTF-8, no
// replacement characters, and not confidently in a language other than target.
func CheckTranslation(text, target string) *Error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NewError(ErrTest, "empty translation")
	}
	if !utf8.ValidString(trimmed) || strings.ContainsRune(trimmed, utf8.RuneError) {
		return NewError(ErrTest, "translation is not well-formed UTF-8")
	}

	info := whatlanggo.Detect(trimmed)
	detected := info.Lang.Iso6391()
	if info.Confidence >= minDetectConfidence && detected != "" && detected != target {
		return Errorf(ErrTest, "translation looks like %q, want %q", detected, target).
			WithContext("confidence", info.Confidence)
	}
	return nil
}
