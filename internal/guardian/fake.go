package guardian

import (
	"context"
	"sync"
)

// Fake is a scripted Provider for tests. Respond is called for every
// request; calls are counted and recorded.
type Fake struct {
	Respond func(ctx context.Context, req Request) (string, error)

	mu       sync.Mutex
	requests []Request
}

func (f *Fake) Name() string  { return "fake" }
func (f *Fake) Model() string { return "fake-model" }

func (f *Fake) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.Respond == nil {
		return `{"verdict":"BENIGN","confidence":0.5,"category":"","rationale":"no opinion"}`, nil
	}
	return f.Respond(ctx, req)
}

// Requests returns a copy of the requests seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
