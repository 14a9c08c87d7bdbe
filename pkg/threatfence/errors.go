package threatfence

import (
	"errors"

	"github.com/KanavDutta/threatfence/escalation"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidSeverity is returned when a configured severity is outside [1,50]
	ErrInvalidSeverity = errors.New("severity must be between 1 and 50")

	// ErrInvalidKey is returned when the request identity is invalid or empty
	ErrInvalidKey = errors.New("identity cannot be empty")

	// ErrStoreFailed is returned when threat store operations fail
	ErrStoreFailed = errors.New("store operation failed")

	// ErrKeyExtractionFailed is returned when key extraction from request fails
	ErrKeyExtractionFailed = errors.New("failed to extract key from request")

	// ErrClosed is returned by operations on a closed engine
	ErrClosed = errors.New("engine closed")

	// ErrChallengeNotFound is returned for an unknown or already solved
	// challenge
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeExpired is returned when a challenge outlived its TTL
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrChallengeFailed is returned when a solution does not meet the
	// challenge difficulty
	ErrChallengeFailed = errors.New("challenge solution rejected")

	// ErrUnsupportedTarget is returned when an admin operation does not
	// apply to the target type
	ErrUnsupportedTarget = escalation.ErrUnsupportedTarget

	// ErrInvalidTarget is returned for empty or malformed admin targets
	ErrInvalidTarget = escalation.ErrInvalidTarget
)
