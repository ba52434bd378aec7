// Package catalog enumerates the language pairs the pipeline converts.
//
// The pair list is derived from the language alphabet (every ordered pair of
// distinct languages) so that adding a language cannot silently drop pairs.
package catalog

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DefaultLanguages is the alphabet of the stock 42-pair catalog.
var DefaultLanguages = []string{"tr", "en", "de", "fr", "it", "pt", "es"}

// romanceTargets share the multilingual en-ROMANCE model.
var romanceTargets = map[string]bool{"es": true, "fr": true, "it": true, "pt": true}

const modelOrg = "Helsinki-NLP"

// LanguagePair identifies one translation direction.
type LanguagePair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ID returns the stable "source-target" key used by the ledger and report.
func (p LanguagePair) ID() string {
	return p.Source + "-" + p.Target
}

func (p LanguagePair) String() string {
	return p.ID()
}

// SourceName is the English display name of the source language.
func (p LanguagePair) SourceName() string {
	return DisplayName(p.Source)
}

// TargetName is the English display name of the target language.
func (p LanguagePair) TargetName() string {
	return DisplayName(p.Target)
}

// ModelCandidates lists Hugging Face repositories to try for this pair, best first.
// Not every candidate exists upstream; the downloader walks the list in order.
func (p LanguagePair) ModelCandidates() []string {
	src, tgt := p.Source, p.Target
	ret := make([]string, 0, 5)
	if src == "en" || tgt == "en" {
		ret = append(ret, fmt.Sprintf("%s/opus-mt-tc-big-%s-%s", modelOrg, src, tgt))
	}
	if src == "en" && romanceTargets[tgt] {
		ret = append(ret, modelOrg+"/opus-mt-en-ROMANCE")
	}
	ret = append(ret,
		fmt.Sprintf("%s/opus-mt-%s-%s", modelOrg, src, tgt),
		fmt.Sprintf("%s/opus-mt-tc-big-%s-%s", modelOrg, src, tgt),
		fmt.Sprintf("%s/opus-tatoeba-%s-%s", modelOrg, src, tgt),
	)
	return dedupe(ret)
}

// ParsePairID parses a "source-target" key.
func ParsePairID(id string) (LanguagePair, error) {
	src, tgt, ok := strings.Cut(id, "-")
	if !ok || src == "" || tgt == "" {
		return LanguagePair{}, fmt.Errorf("invalid pair id %q", id)
	}
	if src == tgt {
		return LanguagePair{}, fmt.Errorf("pair %q translates a language into itself", id)
	}
	return LanguagePair{Source: src, Target: tgt}, nil
}

// DisplayName returns the English name of a language code, or the code itself.
func DisplayName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

// Catalog is an immutable, ordered set of language pairs.
type Catalog struct {
	languages []string
	pairs     []LanguagePair
}

// Default returns the stock catalog over DefaultLanguages.
func Default() *Catalog {
	c, err := New(DefaultLanguages...)
	if err != nil {
		panic(err)
	}
	return c
}

// New derives a catalog from an alphabet of language codes. Pair order follows
// the alphabet order: all targets of the first language, then the second, etc.
func New(codes ...string) (*Catalog, error) {
	if len(codes) < 2 {
		return nil, fmt.Errorf("at least two languages are required, got %d", len(codes))
	}

	seen := make(map[string]bool, len(codes))
	languages := make([]string, 0, len(codes))
	for _, raw := range codes {
		code := strings.ToLower(strings.TrimSpace(raw))
		if code == "" || strings.Contains(code, "-") {
			return nil, fmt.Errorf("invalid language code %q", raw)
		}
		if _, err := language.Parse(code); err != nil {
			return nil, fmt.Errorf("invalid language code %q: %w", raw, err)
		}
		if seen[code] {
			return nil, fmt.Errorf("duplicate language code %q", code)
		}
		seen[code] = true
		languages = append(languages, code)
	}

	pairs := make([]LanguagePair, 0, len(languages)*(len(languages)-1))
	for _, src := range languages {
		for _, tgt := range languages {
			if src == tgt {
				continue
			}
			pairs = append(pairs, LanguagePair{Source: src, Target: tgt})
		}
	}

	return &Catalog{languages: languages, pairs: pairs}, nil
}

// ListPairs returns the pairs in catalog order. The slice is a copy.
func (c *Catalog) ListPairs() []LanguagePair {
	return append([]LanguagePair(nil), c.pairs...)
}

// Languages returns the alphabet in catalog order.
func (c *Catalog) Languages() []string {
	return append([]string(nil), c.languages...)
}

func (c *Catalog) Len() int {
	return len(c.pairs)
}

// Contains reports whether the pair belongs to the catalog.
func (c *Catalog) Contains(p LanguagePair) bool {
	for _, pair := range c.pairs {
		if pair == p {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
