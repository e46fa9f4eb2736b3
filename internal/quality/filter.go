// Package quality selects a bounded, deduplicated, ranked subset of raw review items
// before they are batched into analysis tasks.
package quality

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

var reWhitespace = regexp.MustCompile(`\s+`)

// Config holds the filter policy. A zero Window or MaxLength disables that check,
// a zero FingerprintChars fingerprints the whole text, and a DefaultQuota <= 0 uses
// the DefaultConfig quota. Start from DefaultConfig to get the shipped policy.
type Config struct {
	// Window drops items whose timestamp is older than now-Window.
	Window time.Duration
	// KeepUndated retains items that carry no timestamp.
	KeepUndated bool
	// MinLength and MaxLength bound the text length in runes.
	MinLength int
	MaxLength int
	// FingerprintChars is how many leading runes of normalized text feed the fingerprint.
	FingerprintChars int
	// SourceQuotas caps the selected items per source. Sources not listed use DefaultQuota.
	SourceQuotas map[string]int
	DefaultQuota int
	// Keywords raise the relevance score of items that mention them.
	Keywords []string
}

const defaultQuota = 100

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Window:           90 * 24 * time.Hour,
		KeepUndated:      true,
		MinLength:        20,
		MaxLength:        5000,
		FingerprintChars: 100,
		SourceQuotas: map[string]int{
			models.SourceAppStore:   200,
			models.SourceGooglePlay: 200,
			models.SourceReddit:     100,
		},
		DefaultQuota: defaultQuota,
	}
}

// QuotaFor returns the per-source ceiling. A source listed with 0 is dropped.
func (c Config) QuotaFor(source string) int {
	if q, ok := c.SourceQuotas[source]; ok {
		return q
	}
	if c.DefaultQuota <= 0 {
		return defaultQuota
	}
	return c.DefaultQuota
}

// Filter runs dedup, time filter, length filter, scoring and per-source quota
// selection in that order. The result is ordered by source name, then by rank.
// Output is deterministic for identical items, appName and now.
func Filter(items []models.ReviewItem, appName string, cfg Config, now time.Time) ([]models.ReviewItem, models.FilterStats) {
	var stats models.FilterStats
	stats.Original = countStage(items)

	deduped := Deduplicate(items, cfg.FingerprintChars)
	stats.Deduplicated = countStage(deduped)

	recent := filterWindow(deduped, cfg, now)
	stats.TimeFiltered = countStage(recent)

	inBand := filterLength(recent, cfg)
	stats.QualityFiltered = countStage(inBand)

	final := allocateQuota(inBand, appName, cfg, now)
	stats.Final = countStage(final)

	return final, stats
}

// Deduplicate drops items whose fingerprint was already seen; first occurrence wins.
// Running it on its own output returns the same slice contents.
func Deduplicate(items []models.ReviewItem, fingerprintChars int) []models.ReviewItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.ReviewItem, 0, len(items))
	for _, item := range items {
		fp := Fingerprint(item.Text, fingerprintChars)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Fingerprint computes a stable SHA-256 fingerprint over the first n runes of the
// normalized text. n <= 0 fingerprints the whole text.
func Fingerprint(text string, n int) string {
	normalized := NormalizeText(text)
	if n > 0 {
		normalized = firstRunes(normalized, n)
	}
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeText lowercases and collapses whitespace.
func NormalizeText(text string) string {
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

func filterWindow(items []models.ReviewItem, cfg Config, now time.Time) []models.ReviewItem {
	if cfg.Window <= 0 {
		return items
	}
	cutoff := now.Add(-cfg.Window)
	out := make([]models.ReviewItem, 0, len(items))
	for _, item := range items {
		if item.Timestamp == nil {
			if cfg.KeepUndated {
				out = append(out, item)
			}
			continue
		}
		if item.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func filterLength(items []models.ReviewItem, cfg Config) []models.ReviewItem {
	out := make([]models.ReviewItem, 0, len(items))
	for _, item := range items {
		n := utf8.RuneCountInString(strings.TrimSpace(item.Text))
		if n < cfg.MinLength {
			continue
		}
		if cfg.MaxLength > 0 && n > cfg.MaxLength {
			continue
		}
		out = append(out, item)
	}
	return out
}

type scored struct {
	item  models.ReviewItem
	score float64
	order int
}

func allocateQuota(items []models.ReviewItem, appName string, cfg Config, now time.Time) []models.ReviewItem {
	bySource := make(map[string][]scored)
	for i, item := range items {
		bySource[item.Source] = append(bySource[item.Source], scored{
			item:  item,
			score: Score(item, appName, cfg.Keywords, now),
			order: i,
		})
	}

	sources := make([]string, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	out := make([]models.ReviewItem, 0, len(items))
	for _, src := range sources {
		group := bySource[src]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].score != group[j].score {
				return group[i].score > group[j].score
			}
			return group[i].order < group[j].order
		})

		quota := cfg.QuotaFor(src)
		if quota < 0 {
			quota = 0
		}
		if len(group) > quota {
			group = group[:quota]
		}
		for _, s := range group {
			out = append(out, s.item)
		}
	}
	return out
}

func countStage(items []models.ReviewItem) models.StageCount {
	c := models.StageCount{Total: len(items), BySource: make(map[string]int)}
	for _, item := range items {
		c.BySource[item.Source]++
	}
	return c
}

// firstRunes returns at most n runes of s without splitting UTF-8 sequences.
func firstRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
