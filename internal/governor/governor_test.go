package governor

import (
	"sync"
	"testing"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func requireCode(t *testing.T, err error, code string) *schema.EngineError {
	t.Helper()
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, code, engErr.Code)
	return engErr
}

func TestGovernor_StartsRunning(t *testing.T) {
	g := New(DefaultLimits())
	assert.Equal(t, Running, g.State())
	assert.NoError(t, g.Check("a"))
	assert.Nil(t, g.Err())
}

func TestGovernor_Timeout(t *testing.T) {
	clock := newFakeClock()
	g := New(Limits{MaxExecutionTime: time.Minute}, WithClock(clock.Now))

	clock.Advance(59 * time.Second)
	require.NoError(t, g.Check("a"))

	clock.Advance(2 * time.Second)
	engErr := requireCode(t, g.Check("b"), schema.ErrCodeTimedOut)
	assert.Equal(t, TimedOut, g.State())
	assert.Equal(t, "b", engErr.StepID)
	assert.Equal(t, "1m1s", engErr.Details["measured"])
	assert.Equal(t, "1m0s", engErr.Details["limit"])
}

func TestGovernor_CallCapRefusesTheExceedingCall(t *testing.T) {
	g := New(Limits{MaxCalls: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, g.AcquireCall(CallProvider, "p"))
	}
	engErr := requireCode(t, g.AcquireCall(CallProvider, "p"), schema.ErrCodeCallLimitExceeded)
	assert.Equal(t, 4, engErr.Details["measured"])
	assert.Equal(t, 3, engErr.Details["limit"])

	assert.Equal(t, 3, g.Stats().Calls)
	assert.Equal(t, CallLimitExceeded, g.State())
	requireCode(t, g.Check("next"), schema.ErrCodeCallLimitExceeded)
}

func TestGovernor_CallKindsCounted(t *testing.T) {
	g := New(Limits{})
	require.NoError(t, g.AcquireCall(CallProvider, "p"))
	require.NoError(t, g.AcquireCall(CallTool, "t"))
	require.NoError(t, g.AcquireCall(CallTool, "t"))

	stats := g.Stats()
	assert.Equal(t, 3, stats.Calls)
	assert.Equal(t, 1, stats.ProviderCalls)
	assert.Equal(t, 2, stats.ToolCalls)
}

func TestGovernor_CircuitBreaker(t *testing.T) {
	g := New(Limits{MaxConsecutiveErrors: 3})

	g.RecordFailure()
	g.RecordFailure()
	require.NoError(t, g.Check("a"))

	g.RecordSuccess()
	g.RecordFailure()
	g.RecordFailure()
	require.NoError(t, g.Check("b"), "success resets the count")

	g.RecordFailure()
	engErr := requireCode(t, g.Check("c"), schema.ErrCodeCircuitOpen)
	assert.Equal(t, 3, engErr.Details["measured"])
	assert.Equal(t, 5, g.Stats().TotalFailures)
}

func TestGovernor_Cancellation(t *testing.T) {
	g := New(DefaultLimits())
	require.NoError(t, g.AcquireCall(CallTool, "t"), "abort is not observed mid-step")

	g.Abort("user pressed stop")
	require.NoError(t, g.AcquireCall(CallTool, "t"), "in-flight calls may complete")

	engErr := requireCode(t, g.Check("a"), schema.ErrCodeCancelled)
	assert.Contains(t, engErr.Message, "user pressed stop")
	assert.Equal(t, Cancelled, g.State())
}

func TestGovernor_CheckOrderCancelFirst(t *testing.T) {
	clock := newFakeClock()
	g := New(Limits{MaxExecutionTime: time.Second, MaxConsecutiveErrors: 1}, WithClock(clock.Now))
	clock.Advance(time.Hour)
	g.RecordFailure()
	g.Abort("")

	requireCode(t, g.Check("a"), schema.ErrCodeCancelled)
}

func TestGovernor_TerminalStatesAreSticky(t *testing.T) {
	clock := newFakeClock()
	g := New(Limits{MaxExecutionTime: time.Second}, WithClock(clock.Now))
	clock.Advance(2 * time.Second)

	first := g.Check("a")
	g.Abort("late")
	g.Complete()
	second := g.Check("b")

	assert.Same(t, first, second)
	assert.Equal(t, TimedOut, g.State())
	requireCode(t, g.AcquireCall(CallProvider, "p"), schema.ErrCodeTimedOut)
}

func TestGovernor_Complete(t *testing.T) {
	g := New(DefaultLimits())
	g.Complete()
	assert.Equal(t, Completed, g.State())
	requireCode(t, g.Check("a"), schema.ErrCodeInvalidTransition)
}

func TestGovernor_ChildChargesParent(t *testing.T) {
	parent := New(Limits{MaxCalls: 2})
	child := parent.Child(Limits{MaxCalls: 10})

	require.NoError(t, child.AcquireCall(CallProvider, "p"))
	require.NoError(t, parent.AcquireCall(CallTool, "t"))

	requireCode(t, child.AcquireCall(CallProvider, "p"), schema.ErrCodeCallLimitExceeded)
	assert.Equal(t, 1, child.Stats().Calls, "refused call is rolled back")
	assert.Equal(t, CallLimitExceeded, child.State())
	assert.Equal(t, 2, parent.Stats().Calls)
}

func TestGovernor_ChildObservesParentCancellation(t *testing.T) {
	parent := New(DefaultLimits())
	child := parent.Child(DefaultLimits())

	child.Abort("child only")
	requireCode(t, child.Check("c"), schema.ErrCodeCancelled)
	assert.NoError(t, parent.Check("p"), "child cancellation does not reach the parent")

	other := parent.Child(DefaultLimits())
	parent.Abort("stop everything")
	requireCode(t, other.Check("c"), schema.ErrCodeCancelled)
}

func TestCancelFlag(t *testing.T) {
	f := NewCancelFlag()
	assert.False(t, f.Cancelled())
	assert.Empty(t, f.Reason())

	f.Cancel("first")
	f.Cancel("second")
	assert.True(t, f.Cancelled())
	assert.Equal(t, "first", f.Reason())

	child := f.Child()
	assert.True(t, child.Cancelled())
	assert.Equal(t, "first", child.Reason())
}

func TestCancelFlag_ConcurrentCancel(t *testing.T) {
	f := NewCancelFlag()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Cancel("race")
			_ = f.Cancelled()
		}()
	}
	wg.Wait()
	assert.True(t, f.Cancelled())
}

func TestLimits_OverrideAndFromSpec(t *testing.T) {
	l := DefaultLimits().Override(Limits{MaxCalls: 7})
	assert.Equal(t, 7, l.MaxCalls)
	assert.Equal(t, 10*time.Minute, l.MaxExecutionTime)

	spec, err := FromSpec(&schema.LimitsSpec{MaxExecutionTime: "30s", MaxConsecutiveErrors: 2})
	require.NoError(t, err)
	assert.Equal(t, Limits{MaxExecutionTime: 30 * time.Second, MaxConsecutiveErrors: 2}, spec)

	_, err = FromSpec(&schema.LimitsSpec{MaxExecutionTime: "soon"})
	requireCode(t, err, schema.ErrCodeConfiguration)

	empty, err := FromSpec(nil)
	require.NoError(t, err)
	assert.Equal(t, Limits{}, empty)
}

// consecutive_errors resets on success, only increments on failure, and
// the check right after crossing the threshold trips the breaker.
func TestGovernor_BreakerMonotonicityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 5).Draw(t, "threshold")
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 40).Draw(t, "outcomes")

		g := New(Limits{MaxConsecutiveErrors: threshold})
		expected := 0
		for i, ok := range outcomes {
			if err := g.Check("s"); err != nil {
				t.Fatalf("step %d: unexpected trip with %d consecutive errors: %v", i, expected, err)
			}
			if ok {
				g.RecordSuccess()
				expected = 0
			} else {
				g.RecordFailure()
				expected++
			}
			if got := g.Stats().ConsecutiveErrors; got != expected {
				t.Fatalf("consecutive errors = %d, want %d", got, expected)
			}
			if expected >= threshold {
				if !schema.HasCode(g.Check("next"), schema.ErrCodeCircuitOpen) {
					t.Fatalf("breaker did not trip at %d >= %d", expected, threshold)
				}
				return
			}
		}
	})
}
