package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineKindIsValid(t *testing.T) {
	assert.True(t, PipelineTagging.IsValid())
	assert.True(t, PipelineCaptioning.IsValid())
	assert.True(t, PipelineEmbedding.IsValid())
	assert.True(t, PipelineFaceDetection.IsValid())
	assert.False(t, PipelineKind("unknown").IsValid())
}

func TestReallocationPriorityOrder(t *testing.T) {
	assert.Greater(t, PipelineCaptioning.ReallocationPriority(), PipelineEmbedding.ReallocationPriority())
	assert.Greater(t, PipelineEmbedding.ReallocationPriority(), PipelineTagging.ReallocationPriority())
	assert.Equal(t, PipelineTagging.ReallocationPriority(), PipelineFaceDetection.ReallocationPriority())
}

func TestWorkerStateHoldsVRAM(t *testing.T) {
	assert.True(t, WorkerStateRunning.HoldsVRAM())
	assert.True(t, WorkerStatePaused.HoldsVRAM())
	assert.True(t, WorkerStatePausing.HoldsVRAM())
	assert.False(t, WorkerStateStopped.HoldsVRAM())
	assert.False(t, WorkerStateStopping.HoldsVRAM())
	assert.False(t, WorkerStateStarting.HoldsVRAM())
}

func TestShouldEnqueue(t *testing.T) {
	trueVal, falseVal := true, false

	assert.True(t, ShouldEnqueue(nil, true), "never processed always enqueues")
	assert.True(t, ShouldEnqueue(&trueVal, true), "still needs processing always enqueues")
	assert.False(t, ShouldEnqueue(&falseVal, true), "processed and current skips when flag honored")
	assert.True(t, ShouldEnqueue(&falseVal, false), "processed and current still enqueues when flag not honored")
}

func TestErrorKindRetriable(t *testing.T) {
	assert.True(t, KindTransient.Retriable())
	assert.True(t, KindInsufficientVram.Retriable())
	assert.True(t, KindBackendError.Retriable())
	assert.True(t, KindCancelled.Retriable())
	assert.False(t, KindBadInput.Retriable())
	assert.False(t, KindFatal.Retriable())
}
