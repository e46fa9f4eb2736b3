package cache

import (
	"github.com/google/uuid"
)

const keyNamespace = "reviewlens:"

// JobStatusKey holds the cached status snapshot of a finished job.
func JobStatusKey(jobID uuid.UUID) string {
	return keyNamespace + "job:" + jobID.String() + ":status"
}

// RateLimitKey holds the request counter for one API key's current window.
func RateLimitKey(keyPrefix string) string {
	return keyNamespace + "ratelimit:" + keyPrefix
}
