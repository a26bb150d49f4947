package backend

import (
	"context"
	"sync"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// FakeBackend is a scripted test double. Each Generate call consumes the
// next scripted result; when the script runs out the last entry repeats.
// It records every call so tests can assert exact invocation counts.
type FakeBackend struct {
	mu      sync.Mutex
	script  []FakeResult
	cursor  int
	calls   []FakeCall
	nameStr string
}

// FakeResult is one scripted outcome.
type FakeResult struct {
	Response *Response
	Err      error
}

// FakeCall records the arguments of one Generate invocation.
type FakeCall struct {
	Messages []Message
	Gen      schema.GenerationConfig
}

// NewFakeBackend builds a double that replays the given results in order.
func NewFakeBackend(script ...FakeResult) *FakeBackend {
	return &FakeBackend{script: script, nameStr: "fake"}
}

// FakeText is shorthand for a successful result with the given text.
func FakeText(text string) FakeResult {
	return FakeResult{Response: &Response{Text: text}}
}

// FakeError is shorthand for a failed result.
func FakeError(err error) FakeResult {
	return FakeResult{Err: err}
}

func (f *FakeBackend) Name() string { return f.nameStr }

func (f *FakeBackend) Generate(ctx context.Context, messages []Message, gen schema.GenerationConfig) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, FakeCall{Messages: messages, Gen: gen})

	if len(f.script) == 0 {
		return &Response{Text: ""}, nil
	}
	idx := f.cursor
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.cursor++

	r := f.script[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Response, nil
}

// CallCount returns how many times Generate has been invoked.
func (f *FakeBackend) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Calls returns a copy of the recorded invocations.
func (f *FakeBackend) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

var _ Backend = (*FakeBackend)(nil)
