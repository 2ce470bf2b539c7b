package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReporterOutput(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)

	r.Banner("1.0.0", "billing-revamp", 10)
	r.Iteration(1, 10, "Wire payment webhook")
	r.Warn("loop detected")
	r.Success("gate passed")

	out := buf.String()
	assert.Contains(t, out, "autopilot 1.0.0")
	assert.Contains(t, out, "billing-revamp")
	assert.Contains(t, out, "Iteration 1/10")
	assert.Contains(t, out, "loop detected")
	assert.Contains(t, out, "gate passed")
}

func TestSummarizeHeadlines(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"completed", "Sprint completed"},
		{"stalled", "stalled"},
		{"interrupted", "interrupted"},
		{"max_iterations", "budget exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			var buf bytes.Buffer
			NewReporter(&buf).Summarize(Summary{
				Status:     tt.status,
				Iterations: 3,
				CostUSD:    1.5,
				Duration:   90 * time.Second,
			})
			assert.Contains(t, buf.String(), tt.want)
			assert.Contains(t, buf.String(), "$1.50")
		})
	}
}
