// Package rules post-processes raw AI output into the final suggestion text.
// Apply is pure: identical input and RuleConfig always produce identical
// output, which is what lets Hash act as a cache discriminator.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/hashing"
)

// Casing modes.
const (
	CasingNone     = ""
	CasingTitle    = "title"
	CasingSentence = "sentence"
	CasingLower    = "lower"
	CasingUpper    = "upper"
)

// FindReplace is a literal substitution applied before any other rule.
type FindReplace struct {
	Find          string `json:"find" yaml:"find"`
	Replace       string `json:"replace" yaml:"replace"`
	CaseSensitive bool   `json:"caseSensitive" yaml:"caseSensitive"`
}

// RuleConfig is the full set of transform parameters for one playbook run.
type RuleConfig struct {
	Enabled       bool         `json:"enabled" yaml:"enabled"`
	MaxLength     int          `json:"maxLength,omitempty" yaml:"maxLength,omitempty" validate:"gte=0,lte=255"`
	BannedPhrases []string     `json:"bannedPhrases,omitempty" yaml:"bannedPhrases,omitempty"`
	Casing        string       `json:"casing,omitempty" yaml:"casing,omitempty" validate:"omitempty,oneof=title sentence lower upper"`
	Prefix        string       `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Suffix        string       `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	FindReplace   *FindReplace `json:"findReplace,omitempty" yaml:"findReplace,omitempty"`
}

// Default returns the enabled configuration capped at the field's limit.
func Default(field playbook.Field) RuleConfig {
	return RuleConfig{Enabled: true, MaxLength: field.HardLimit()}
}

// Hash identifies cfg. Every parameter participates, so any change yields a
// new hash and therefore a new draft.
func Hash(cfg RuleConfig) string {
	banned := make([]string, len(cfg.BannedPhrases))
	copy(banned, cfg.BannedPhrases)

	fr := map[string]any{}
	if cfg.FindReplace != nil {
		fr = map[string]any{
			"find":          cfg.FindReplace.Find,
			"replace":       cfg.FindReplace.Replace,
			"caseSensitive": cfg.FindReplace.CaseSensitive,
		}
	}
	return hashing.MustCanonical(hashing.DomainRules, map[string]any{
		"enabled":       cfg.Enabled,
		"maxLength":     cfg.MaxLength,
		"bannedPhrases": banned,
		"casing":        cfg.Casing,
		"prefix":        cfg.Prefix,
		"suffix":        cfg.Suffix,
		"findReplace":   fr,
	})
}

// Result is the output of Apply. Warnings never block generation.
type Result struct {
	Final    string   `json:"final"`
	Warnings []string `json:"warnings,omitempty"`
}

// Empty reports whether the rules left nothing to suggest.
func (r Result) Empty() bool { return r.Final == "" }

var spaceRun = regexp.MustCompile(`\s+`)

// Apply runs the pipeline: whitespace, find/replace, banned phrases,
// prefix/suffix, casing, length cap. A disabled config only normalizes
// whitespace and enforces the field's hard limit.
func Apply(raw string, field playbook.Field, cfg RuleConfig) Result {
	var warnings []string
	text := normalizeSpace(raw)

	limit := field.HardLimit()
	if cfg.Enabled {
		if cfg.MaxLength > 0 && cfg.MaxLength < limit {
			limit = cfg.MaxLength
		}

		if fr := cfg.FindReplace; fr != nil && fr.Find != "" {
			replaced := replace(text, *fr)
			if replaced != text {
				warnings = append(warnings, fmt.Sprintf("replaced %q with %q", fr.Find, fr.Replace))
				text = normalizeSpace(replaced)
			}
		}

		for _, phrase := range cfg.BannedPhrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" {
				continue
			}
			re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase))
			if re.MatchString(text) {
				text = normalizeSpace(re.ReplaceAllString(text, " "))
				warnings = append(warnings, fmt.Sprintf("removed banned phrase %q", phrase))
			}
		}

		if text != "" {
			text = normalizeSpace(cfg.Prefix + text + cfg.Suffix)
		}
		text = applyCasing(text, cfg.Casing)
	}

	if n := utf8.RuneCountInString(text); n > limit {
		text = truncate(text, limit)
		warnings = append(warnings, fmt.Sprintf("truncated from %d to %d chars", n, utf8.RuneCountInString(text)))
	}
	return Result{Final: text, Warnings: warnings}
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

func replace(text string, fr FindReplace) string {
	if fr.CaseSensitive {
		return strings.ReplaceAll(text, fr.Find, fr.Replace)
	}
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(fr.Find))
	return re.ReplaceAllLiteralString(text, fr.Replace)
}

func applyCasing(text, casing string) string {
	switch casing {
	case CasingTitle:
		return cases.Title(language.English).String(text)
	case CasingLower:
		return cases.Lower(language.English).String(text)
	case CasingUpper:
		return cases.Upper(language.English).String(text)
	case CasingSentence:
		r, size := utf8.DecodeRuneInString(text)
		if r == utf8.RuneError {
			return text
		}
		return string(unicode.ToUpper(r)) + text[size:]
	}
	return text
}

// truncate cuts text to at most limit runes, preferring the last word
// boundary in the second half of the window.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := runes[:limit]
	if !unicode.IsSpace(runes[limit]) {
		for i := len(cut) - 1; i > limit/2; i-- {
			if unicode.IsSpace(cut[i]) {
				cut = cut[:i]
				break
			}
		}
	}
	return strings.TrimRightFunc(string(cut), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",;:-|/", r)
	})
}
