package orchestrator

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// ProgressEvent is the per-pipeline status tuple the Orchestrator emits on
// every state change and at a 1Hz heartbeat while the pipeline is not
// Stopped (spec §4.8).
type ProgressEvent struct {
	Pipeline       model.PipelineKind
	State          model.WorkerState
	QueueDepth     int64
	ProcessedTotal int64
	FailedTotal    int64
	ThroughputPerM float64
	ETASeconds     float64
	VRAMUsedGB     float64
	At             time.Time
}

// eventBus is an in-process, single-process pub-sub broadcaster (spec §9's
// design notes scope queue/event coordination to a single process —
// cross-process fanout is the catalog's own concern, not this spec's).
// Slow or absent subscribers never block a publish: each subscriber has a
// bounded buffer and a full buffer simply drops the oldest-pending event.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[chan ProgressEvent]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[chan ProgressEvent]struct{})}
}

// Subscribe returns a channel of future ProgressEvents. The caller should
// drain it; Unsubscribe must be called when done to avoid a goroutine leak
// on the publish side (there is none here, but the map entry itself leaks).
func (b *eventBus) Subscribe() (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber, non-blocking.
func (b *eventBus) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop the oldest pending event to make room rather than block
			// the publisher on a slow consumer.
			select {
			case <-ch:
				select {
				case ch <- ev:
				default:
				}
			default:
			}
		}
	}
}
