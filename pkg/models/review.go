// Package models contains shared data models used across the reviewlens codebase.
package models

import "time"

// Review sources with dedicated quota and engagement handling.
const (
	SourceAppStore   = "app_store"
	SourceGooglePlay = "google_play"
	SourceReddit     = "reddit"
)

// ReviewItem is one raw piece of user feedback as returned by a scraper.
// Items are opaque to the pipeline except for the fields the quality filter scores.
type ReviewItem struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"              validate:"required"`
	Title     string     `json:"title,omitempty"`
	Text      string     `json:"text"                validate:"required"`
	Rating    *float64   `json:"rating,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Upvotes   int        `json:"upvotes,omitempty"`
	Comments  int        `json:"comments,omitempty"`
	Author    string     `json:"author,omitempty"`
	URL       string     `json:"url,omitempty"`
}

// StageCount is a per-stage item count, total and per source.
type StageCount struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
}

// FilterStats records how many items survived each quality filter stage.
type FilterStats struct {
	Original        StageCount `json:"original"`
	Deduplicated    StageCount `json:"deduplicated"`
	TimeFiltered    StageCount `json:"time_filtered"`
	QualityFiltered StageCount `json:"quality_filtered"`
	Final           StageCount `json:"final"`
}
