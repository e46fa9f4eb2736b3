package quality

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

const (
	maxLengthPoints     = 3.0
	lengthPointsPerRune = 1.0 / 100
	maxKeywordPoints    = 3.0
	maxUpvotePoints     = 3.0
	maxCommentPoints    = 2.0
	day                 = 24 * time.Hour
)

// Score ranks an item by how much signal it is likely to carry for theme extraction.
func Score(item models.ReviewItem, appName string, keywords []string, now time.Time) float64 {
	return lengthScore(item.Text) +
		ratingScore(item.Rating) +
		recencyScore(item.Timestamp, now) +
		relevanceScore(item, appName, keywords) +
		engagementScore(item)
}

func lengthScore(text string) float64 {
	return math.Min(float64(utf8.RuneCountInString(text))*lengthPointsPerRune, maxLengthPoints)
}

// Low ratings usually describe a concrete problem.
func ratingScore(rating *float64) float64 {
	if rating == nil {
		return 0
	}
	if *rating <= 2 {
		return 2
	}
	return 1
}

func recencyScore(ts *time.Time, now time.Time) float64 {
	if ts == nil {
		return 0
	}
	age := now.Sub(*ts)
	switch {
	case age < 30*day:
		return 3
	case age < 90*day:
		return 2
	case age < 365*day:
		return 1
	default:
		return 0
	}
}

func relevanceScore(item models.ReviewItem, appName string, keywords []string) float64 {
	text := strings.ToLower(item.Title + " " + item.Text)
	points := 0.0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			points++
		}
	}
	points = math.Min(points, maxKeywordPoints)

	if name := strings.ToLower(strings.TrimSpace(appName)); name != "" && strings.Contains(text, name) {
		points++
	}
	return points
}

// Only discussion-style sources carry meaningful engagement counts.
func engagementScore(item models.ReviewItem) float64 {
	if item.Source != models.SourceReddit {
		return 0
	}
	up := math.Min(math.Log1p(float64(max(item.Upvotes, 0))), maxUpvotePoints)
	comments := math.Min(float64(max(item.Comments, 0))/10, maxCommentPoints)
	return up + comments
}
