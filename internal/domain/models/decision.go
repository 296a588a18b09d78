package models

import (
	"net/http"
	"strconv"
	"time"
)

// ConsumptionResult is the outcome of one TryConsume against a bucket.
// RemainingTokens describes the window with the least headroom.
type ConsumptionResult struct {
	Allowed         bool
	RemainingTokens int64
	// NanosToWaitForRefill is how long until cost tokens are available in every window.
	// Zero when allowed.
	NanosToWaitForRefill int64
	// NanosToReset is how long until every window holds at least one token again.
	// Zero while RemainingTokens is positive.
	NanosToReset int64
}

// WaitDuration returns NanosToWaitForRefill as a duration.
func (r *ConsumptionResult) WaitDuration() time.Duration {
	return time.Duration(r.NanosToWaitForRefill)
}

// Problem is the application/problem+json body of a rejected request.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Reset     int64  `json:"reset"`
	Subject   string `json:"subject"`
	Tier      string `json:"tier"`
}

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed  bool
	Bypassed bool

	RemainingTokens   int64
	Limit             int64
	ResetSeconds      int64
	RetryAfterSeconds int64

	Subject  string
	Tier     string
	PolicyID string
	Endpoint string
	Cost     int64

	// Fallback is set when the local store produced the result.
	Fallback bool

	Status  int
	Headers http.Header
	Problem *Problem
}

// NewBypassDecision allows a request without touching any bucket or header.
func NewBypassDecision() *Decision {
	return &Decision{Allowed: true, Bypassed: true, Status: http.StatusOK, Headers: http.Header{}}
}

// WriteHeaders copies the decision headers onto h.
func (d *Decision) WriteHeaders(h http.Header) {
	for k, vs := range d.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
