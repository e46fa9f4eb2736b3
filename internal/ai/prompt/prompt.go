// Package prompt builds the theme-extraction prompt and parses model output.
// Providers share it so every backend asks the same question and is held to the
// same response contract.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// Provider errors. Their text is chosen so retry classification picks the right
// policy: timeout, network, api_limit and data respectively.
var (
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrProviderUnavailable = errors.New("ai provider connection unavailable")
	ErrRateLimited         = errors.New("ai provider rate limit exceeded")
	ErrInvalidResponse     = errors.New("ai response parse error")
)

// Sentiments accepted from the model. Anything else is stored as neutral.
var sentiments = map[string]bool{
	"positive": true,
	"negative": true,
	"neutral":  true,
	"mixed":    true,
}

const maxQuotes = 5

var tmpl = template.Must(template.New("themes").Parse(`You are analyzing user feedback for the app "{{.AppName}}".
Identify the recurring themes across the reviews below. Merge near-duplicates and ignore one-off remarks.

Respond with JSON only, no prose, in exactly this shape:
{"themes":[{"name":"short label","summary":"one sentence","sentiment":"positive|negative|neutral|mixed","mentions":3,"quotes":["verbatim excerpt"]}]}

Reviews:
{{range .Lines}}[{{.Index}}] ({{.Meta}}) {{if .Title}}{{.Title}}: {{end}}{{.Text}}
{{end}}`))

type line struct {
	Index int
	Meta  string
	Title string
	Text  string
}

// Build renders the prompt for one batch.
func Build(req models.AnalysisRequest) (string, error) {
	if len(req.Items) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrInvalidResponse)
	}

	data := struct {
		AppName string
		Lines   []line
	}{AppName: req.AppName}

	for i, it := range req.Items {
		meta := it.Source
		if it.Rating != nil {
			meta += ", rating " + strconv.FormatFloat(*it.Rating, 'f', -1, 64)
		}
		data.Lines = append(data.Lines, line{
			Index: i + 1,
			Meta:  meta,
			Title: oneLine(it.Title),
			Text:  oneLine(it.Text),
		})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

type response struct {
	Themes []models.Theme `json:"themes"`
}

// Parse decodes the model's reply into themes. It tolerates Markdown code fences
// and a bare JSON array. Themes without a name are dropped.
func Parse(raw string) ([]models.Theme, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}

	var themes []models.Theme
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &themes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	} else {
		var resp response
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		themes = resp.Themes
	}

	out := make([]models.Theme, 0, len(themes))
	for _, th := range themes {
		th.Name = strings.TrimSpace(th.Name)
		if th.Name == "" {
			continue
		}
		th.Summary = strings.TrimSpace(th.Summary)
		th.Sentiment = strings.ToLower(strings.TrimSpace(th.Sentiment))
		if !sentiments[th.Sentiment] {
			th.Sentiment = "neutral"
		}
		if th.Mentions < 1 {
			th.Mentions = 1
		}
		if len(th.Quotes) > maxQuotes {
			th.Quotes = th.Quotes[:maxQuotes]
		}
		out = append(out, th)
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
