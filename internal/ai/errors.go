package ai

import "github.com/kiranshivaraju/reviewlens/internal/ai/prompt"

// Provider errors, re-exported for callers outside the provider packages.
var (
	ErrProviderUnavailable = prompt.ErrProviderUnavailable
	ErrInferenceTimeout    = prompt.ErrInferenceTimeout
	ErrRateLimited         = prompt.ErrRateLimited
	ErrInvalidResponse     = prompt.ErrInvalidResponse
)
