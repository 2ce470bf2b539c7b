// Package engine defines the boundary to the external coding-agent engine
// and its claude CLI implementation.
package engine

import (
	"context"
	"time"
)

// Request describes one engine invocation.
type Request struct {
	Prompt         string
	Model          string
	Timeout        time.Duration
	CostCeilingUSD float64
	Resume         string // engine session id to continue, or ""
	Dir            string // working directory for the invocation
}

// Result is the terminal outcome of an invocation. Streamed events along
// the way are display-only; nothing but these fields feeds control flow.
type Result struct {
	ExitStatus   int
	TimedOut     bool
	SessionID    string // resume handle for a later invocation
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	NumTurns     int
	Text         string // final result text
}

// Engine invokes the external agent. A non-zero exit status is reported in
// the Result, not as an error; errors mean the invocation itself could not
// be carried out.
type Engine interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}
