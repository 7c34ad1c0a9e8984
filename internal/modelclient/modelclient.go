// Package modelclient defines the boundary to the external LLM inference
// service. The spec places the call itself out of scope — tokenization,
// model selection, and prompt construction are parameters — so this
// package is deliberately thin: an interface plus a deterministic stub
// good enough to exercise the Processor end to end without a live
// credential.
package modelclient

import (
	"context"
	"fmt"
	"time"
)

// Request is one chat completion call: a system prompt, a user prompt
// carrying the batch's rows, and a hint that the caller expects a
// JSON-structured response.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	JSONFormat   bool
}

// TokenStats reports token usage when the provider exposes it. When both
// fields are zero the Processor treats the call as "not reported" rather
// than "zero tokens used" — see Response.HasTokenStats; otherwise the two
// fields are summed as given.
type TokenStats struct {
	InputTokens  int
	OutputTokens int
}

// Response is the raw model output plus optional token accounting and
// call duration (used to compute tokens_per_sec).
type Response struct {
	Content  string
	Tokens   TokenStats
	Duration time.Duration
}

// HasTokenStats reports whether the provider returned usable token
// accounting for this call.
func (r Response) HasTokenStats() bool {
	return r.Tokens.InputTokens > 0 || r.Tokens.OutputTokens > 0
}

// ModelClient is the external collaborator that turns a prompt into a
// structured-JSON response. Implementations are expected to apply their
// own request timeout via ctx; this package adds no retry of its own —
// batch-level retry belongs to the Processor (see internal/processor).
// Example:
//
//	var client modelclient.ModelClient = modelclient.NewStub()
//	resp, err := client.Chat(ctx, modelclient.Request{Model: "stub", UserPrompt: "..."})
type ModelClient interface {
	Chat(ctx context.Context, req Request) (Response, error)
}

// StubClient is a deterministic ModelClient used for tests and local runs
// without a live provider credential. It echoes back a JSON array of
// "processed" markers, one per row the prompt enumerates, inferred from
// the count of "RowID:" occurrences in the user prompt.
type StubClient struct{}

var _ ModelClient = (*StubClient)(nil)

// NewStub returns a StubClient.
func NewStub() *StubClient {
	return &StubClient{}
}

// Chat implements ModelClient by synthesizing a plausible JSON array
// response sized to match the batch the caller described.
func (s *StubClient) Chat(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	count := countRowMarkers(req.UserPrompt)
	if count == 0 {
		count = 1
	}

	start := time.Now()
	content := "["
	for i := 0; i < count; i++ {
		if i > 0 {
			content += ","
		}
		content += fmt.Sprintf(`{"Result":"stub_%d"}`, i)
	}
	content += "]"

	return Response{
		Content:  content,
		Tokens:   TokenStats{InputTokens: len(req.UserPrompt) / 4, OutputTokens: len(content) / 4},
		Duration: time.Since(start),
	}, nil
}

func countRowMarkers(prompt string) int {
	n := 0
	for i := 0; i+6 <= len(prompt); i++ {
		if prompt[i:i+6] == "RowID:" {
			n++
		}
	}
	return n
}
