package orchestrator

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// pipelineGate implements queue.Gate: Workers call Wait before every claim
// attempt and after every infer_batch return (spec §4.5's cancellation
// points). Channel-swap-on-change avoids a sync.Cond's inability to select
// against ctx.Done() directly — every state transition closes the old
// "changed" channel, waking any Wait currently blocked on it.
type pipelineGate struct {
	mu    sync.Mutex
	state model.WorkerState
	ch    chan struct{}
}

func newPipelineGate() *pipelineGate {
	return &pipelineGate{state: model.WorkerStateStopped, ch: make(chan struct{})}
}

// setState records a new lifecycle state and wakes every blocked Wait.
func (g *pipelineGate) setState(s model.WorkerState) {
	g.mu.Lock()
	g.state = s
	old := g.ch
	g.ch = make(chan struct{})
	g.mu.Unlock()
	close(old)
}

func (g *pipelineGate) currentState() model.WorkerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Wait blocks while the gate is closed (Pausing/Paused), returns nil
// immediately once Running/Starting, and returns a non-nil error once the
// pipeline has reached Stopping/Stopped — the worker's signal to exit.
func (g *pipelineGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		s := g.state
		ch := g.ch
		g.mu.Unlock()

		switch s {
		case model.WorkerStateRunning, model.WorkerStateStarting:
			return nil
		case model.WorkerStateStopped, model.WorkerStateStopping:
			return context.Canceled
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
