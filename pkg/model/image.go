package model

// Image is the subset of the catalog's image registry row the orchestrator
// reads: identity, the fields enqueue/dedup logic consult, and the four
// needs_<pipeline> tri-state flags.
//
// A needs flag is nil ("never processed" ⇒ enqueue), true ("previously
// queued and still needs processing" ⇒ enqueue), or false ("processed and
// current" ⇒ skip iff skip_already_processed is on for that pipeline).
type Image struct {
	ID                 int64
	Path               string
	FileSize           int64
	Fingerprint        ContentFingerprint
	NeedsTagging       *bool
	NeedsCaptioning    *bool
	NeedsEmbedding     *bool
	NeedsFaceDetection *bool
}

// NeedsFlag returns the tri-state needs_<pipeline> flag for the given
// pipeline, or nil if the pipeline is unrecognized.
func (img *Image) NeedsFlag(p PipelineKind) *bool {
	switch p {
	case PipelineTagging:
		return img.NeedsTagging
	case PipelineCaptioning:
		return img.NeedsCaptioning
	case PipelineEmbedding:
		return img.NeedsEmbedding
	case PipelineFaceDetection:
		return img.NeedsFaceDetection
	default:
		return nil
	}
}

// ShouldEnqueue applies the tri-state skip rule from spec §4.6: nil or true
// means enqueue; false means skip only when skipAlreadyProcessed is honored.
func ShouldEnqueue(needs *bool, skipAlreadyProcessed bool) bool {
	if needs == nil {
		return true
	}
	if *needs {
		return true
	}
	// needs == false: processed and current.
	return !skipAlreadyProcessed
}
