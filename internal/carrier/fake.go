package carrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/smsdispatch/internal/model"
)

// Fake is a scriptable in-process gateway for local runs and tests. Each
// Send consumes the next scripted step; with no script left it succeeds.
// Repeated idempotency keys return the original result without a new send.
type Fake struct {
	mu       sync.Mutex
	script   []FakeStep
	sends    []SendRequest
	byKey    map[string]*SendResult
	statuses map[string]*StatusResult
	seq      int
}

// FakeStep scripts one Send call.
type FakeStep struct {
	Err   error
	Delay time.Duration
}

func NewFake() *Fake {
	return &Fake{
		byKey:    map[string]*SendResult{},
		statuses: map[string]*StatusResult{},
	}
}

// Script appends steps consumed by subsequent Send calls.
func (f *Fake) Script(steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, steps...)
}

// FailNext makes the next n sends fail with err.
func (f *Fake) FailNext(n int, err error) {
	for i := 0; i < n; i++ {
		f.Script(FakeStep{Err: err})
	}
}

// SetStatus sets what FetchStatus reports for a carrier id.
func (f *Fake) SetStatus(carrierID string, raw, errorCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, _ := NormalizeStatus(raw)
	f.statuses[carrierID] = &StatusResult{RawStatus: raw, Status: status, ErrorCode: errorCode}
}

// Sends returns every request that reached the gateway, including failures.
func (f *Fake) Sends() []SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendRequest(nil), f.sends...)
}

func (f *Fake) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	f.mu.Lock()
	if res, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		f.mu.Unlock()
		cp := *res
		return &cp, nil
	}
	f.sends = append(f.sends, req)
	var step FakeStep
	if len(f.script) > 0 {
		step = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, AsError(ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	res := &SendResult{
		CarrierMessageID: fmt.Sprintf("SM%032d", f.seq),
		Status:           model.MessageSent,
		Segments:         Segments(req.Body),
	}
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = res
	}
	f.statuses[res.CarrierMessageID] = &StatusResult{RawStatus: "sent", Status: model.MessageSent}
	cp := *res
	return &cp, nil
}

func (f *Fake) FetchStatus(_ context.Context, carrierMessageID string) (*StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[carrierMessageID]
	if !ok {
		return nil, &Error{Code: "20404", Message: "message not found", HTTPStatus: 404}
	}
	cp := *st
	return &cp, nil
}
