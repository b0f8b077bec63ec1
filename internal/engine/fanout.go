package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepwise/internal/routing"
	"github.com/rendis/stepwise/pkg/schema"
)

// branch is one fan-out branch. Branches of the same fan-out share halt.
type branch struct {
	name    string
	join    string
	targets []string
	halt    *atomic.Bool
	parent  *branch
}

// halted reports whether this branch or any enclosing branch was stopped.
func (b *branch) halted() bool {
	for ; b != nil; b = b.parent {
		if b.halt.Load() {
			return true
		}
	}
	return false
}

// stopsAt reports whether routing to id ends the branch: the join step and
// sibling targets belong to the fan-out, not to this branch.
func (b *branch) stopsAt(id string) bool {
	if b == nil {
		return false
	}
	return id == b.join || (id != b.name && slices.Contains(b.targets, id))
}

func (b *branch) label() string {
	if b == nil {
		return ""
	}
	return b.name
}

// fanOut runs the action's targets concurrently, each following its own
// routing until it reaches the join, a sibling or a terminal directive, and
// returns the branch-id -> branch-output map for the join step.
//
// The first failing branch halts its siblings at their next step boundary;
// in-flight steps finish. The fan-out then fails with that branch's error and
// the join never runs on a partial map.
func (r *run) fanOut(ctx context.Context, src *schema.Step, action routing.NextAction, out any, parent *branch) (map[string]any, error) {
	r.em.emit(ctx, src.ID, schema.EventFanOutStarted, map[string]any{
		"targets": action.Targets,
		"join":    action.Join,
	})
	r.logger.DebugContext(ctx, "fan-out started",
		slog.String("step_id", src.ID),
		slog.Any("targets", action.Targets),
		slog.String("join", action.Join),
	)

	pool := NewWorkerPool(min(r.e.cfg.PoolSize, len(action.Targets)))
	halt := &atomic.Bool{}

	var (
		mu       sync.Mutex
		results  = make(map[string]any, len(action.Targets))
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil && !errors.Is(err, errBranchHalted) {
			firstErr = err
		}
		mu.Unlock()
		halt.Store(true)
	}

	for _, target := range action.Targets {
		b := &branch{name: target, join: action.Join, targets: action.Targets, halt: halt, parent: parent}
		err := pool.Submit(ctx, func(ctx context.Context) (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = schema.NewErrorf(schema.ErrCodeExecution, "branch %q panicked: %v", target, p).WithStep(target)
				}
				if err != nil {
					fail(err)
				}
			}()

			v, err := r.drive(ctx, target, out, b)
			if err != nil {
				return err
			}
			mu.Lock()
			results[target] = v
			mu.Unlock()
			return nil
		})
		if err != nil {
			fail(asEngineError(err))
			break
		}
	}
	pool.Shutdown()

	if firstErr != nil {
		r.logger.WarnContext(ctx, "fan-out failed",
			slog.String("step_id", src.ID),
			slog.String("error", firstErr.Error()),
		)
		return nil, firstErr
	}
	if len(results) != len(action.Targets) {
		// An enclosing fan-out halted this one.
		return nil, errBranchHalted
	}

	joined := make([]string, 0, len(results))
	for id := range results {
		joined = append(joined, id)
	}
	sort.Strings(joined)
	r.em.emit(ctx, src.ID, schema.EventFanOutJoined, map[string]any{
		"join":     action.Join,
		"branches": joined,
	})
	return results, nil
}
