package models

import "time"

const (
	BackoffExponential = "EXPONENTIAL"
	BackoffSliding     = "SLIDING"
)

// RetryConfig selects and parameterises the backoff between failed attempts.
//
// EXPONENTIAL waits min(Base * 2^attempt, Max) plus up to Jitter of that delay.
// SLIDING moves linearly from Base to Max over Steps attempts.
type RetryConfig struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
	Jitter   float64
	Steps    int
}

// SlidingInterval returns a retry interval between Base and Max based on the current attempt.
func (rc *RetryConfig) SlidingInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.Base
	}
	if rc.Steps <= 0 || attempt >= rc.Steps {
		return rc.Max
	}
	scale := float64(attempt) / float64(rc.Steps)
	return rc.Base + time.Duration(scale*float64(rc.Max-rc.Base))
}
