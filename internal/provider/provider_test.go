package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProvider fails the first n calls with err, then succeeds.
type flakyProvider struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Send(_ context.Context, _ Request) (*Response, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, f.err
	}
	return &Response{Content: "ok"}, nil
}

func fastConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:       3,
		InitialInterval:  time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		FailureThreshold: 10,
		OpenTimeout:      time.Minute,
	}
}

func TestResilient_RetriesTransient(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: &Error{Provider: "flaky", StatusCode: 429, Transient: true, Err: errors.New("rate limited")}}
	p := Resilient(inner, fastConfig())

	resp, err := p.Send(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestResilient_PermanentNotRetried(t *testing.T) {
	inner := &flakyProvider{failures: 5, err: &Error{Provider: "flaky", StatusCode: 400, Err: errors.New("bad request")}}
	p := Resilient(inner, fastConfig())

	_, err := p.Send(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 400, pe.StatusCode)
}

func TestResilient_RetryBounded(t *testing.T) {
	inner := &flakyProvider{failures: 100, err: &Error{Provider: "flaky", Transient: true, Err: errors.New("overloaded")}}
	p := Resilient(inner, fastConfig())

	_, err := p.Send(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, int32(4), inner.calls.Load(), "first attempt plus three retries")
}

func TestResilient_RetryGateSeesEveryRetry(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: &Error{Provider: "flaky", Transient: true, Err: errors.New("overloaded")}}
	p := Resilient(inner, fastConfig())

	var attempts []int
	ctx := WithRetryGate(context.Background(), func(attempt int) error {
		attempts = append(attempts, attempt)
		return nil
	})
	_, err := p.Send(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, attempts, "the first attempt is charged by the caller")

	refused := errors.New("budget spent")
	inner = &flakyProvider{failures: 5, err: &Error{Provider: "flaky", Transient: true, Err: errors.New("overloaded")}}
	p = Resilient(inner, fastConfig())
	ctx = WithRetryGate(context.Background(), func(int) error { return refused })
	_, err = p.Send(ctx, Request{})
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, int32(1), inner.calls.Load(), "a refused retry never reaches the provider")
}

func TestResilient_BreakerOpens(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	inner := &flakyProvider{failures: 100, err: &Error{Provider: "flaky", Transient: true, Err: errors.New("down")}}
	p := Resilient(inner, cfg)

	_, _ = p.Send(context.Background(), Request{})
	_, _ = p.Send(context.Background(), Request{})
	assert.Equal(t, gobreaker.StateOpen, p.State())

	_, err := p.Send(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), inner.calls.Load(), "open breaker short-circuits")
}

func TestResilient_StreamingCapability(t *testing.T) {
	assert.False(t, Resilient(&flakyProvider{}, fastConfig()).SupportsStreaming())

	r := Resilient(NewScripted("s", Reply("hello world")), fastConfig())
	sp, ok := AsStreaming(r)
	require.True(t, ok)

	ch, err := sp.Stream(context.Background(), Request{})
	require.NoError(t, err)
	resp, err := Collect(ch, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)

	_, ok = AsStreaming(Resilient(&flakyProvider{}, fastConfig()))
	assert.False(t, ok)
}

func TestCollect_ProducerNeverBlocksAfterTerminalChunk(t *testing.T) {
	for name, terminal := range map[string]Chunk{
		"done": {Delta: "hi", Done: true},
		"err":  {Err: errors.New("stream reset")},
	} {
		t.Run(name, func(t *testing.T) {
			ch := make(chan Chunk)
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				defer close(ch)
				ch <- terminal
				ch <- Chunk{Delta: "late"}
			}()

			resp, err := Collect(ch, nil)
			if terminal.Err != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "hi", resp.Content)
			}
			select {
			case <-finished:
			case <-time.After(time.Second):
				t.Fatal("producer blocked after the terminal chunk")
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&Error{Transient: true, Err: errors.New("x")}))
	assert.False(t, IsTransient(&Error{Err: errors.New("x")}))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestScripted_SequenceAndRepeat(t *testing.T) {
	s := NewScripted("mock",
		CallTools("", ToolCall{ID: "1", Name: "search"}),
		Reply("done"),
	)

	r1, err := s.Send(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Len(t, r1.ToolCalls, 1)

	r2, err := s.Send(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", r2.Content)

	r3, err := s.Send(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", r3.Content)

	assert.Equal(t, 3, s.Calls())
	assert.Equal(t, "hi", s.Requests()[0].Messages[0].Content)
}

func TestScripted_StreamTerminalChunkCarriesToolCalls(t *testing.T) {
	s := NewScripted("mock", CallTools("let me look that up", ToolCall{ID: "c1", Name: "search"}))
	s.ChunkSize = 4

	ch, err := s.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var deltas int
	resp, err := Collect(ch, func(c Chunk) {
		if c.Delta != "" {
			deltas++
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "let me look that up", resp.Content)
	assert.Equal(t, 5, deltas)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
}

func TestScripted_Errors(t *testing.T) {
	_, err := NewScripted("empty").Send(context.Background(), Request{})
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = NewScripted("f", Fail(boom)).Send(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}

func TestEcho(t *testing.T) {
	resp, err := Echo{}.Send(context.Background(), Request{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)
	assert.Empty(t, resp.ToolCalls)
}
