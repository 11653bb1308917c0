// Package pipeline holds the tagged stage results shared by the recorder,
// processor, uploader and the per-room state machine.
package pipeline

import "fmt"

// Stage names one step of a recording session.
type Stage string

const (
	StageDetect  Stage = "detect"
	StageRecord  Stage = "record"
	StageMerge   Stage = "merge"
	StageSplit   Stage = "split"
	StageUpload  Stage = "upload"
	StageCleanup Stage = "cleanup"
)

// Kind tags how a stage ended.
type Kind int

const (
	KindSuccess Kind = iota
	KindSkipped
	KindTransient
	KindPermanent
	KindFatal
	// KindAborted means the stage was interrupted by shutdown and left its
	// inputs in place so the next start can resume.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindSkipped:
		return "skipped"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is the result of one stage. Paths carries the files a stage
// produced and Published the remote identifiers of an upload.
type Outcome struct {
	Stage     Stage
	Kind      Kind
	Err       error
	Paths     []string
	Published []string
}

// Succeeded builds a success outcome carrying produced paths.
func Succeeded(stage Stage, paths ...string) Outcome {
	return Outcome{Stage: stage, Kind: KindSuccess, Paths: paths}
}

// Skipped builds an outcome for a stage that had nothing to do.
func Skipped(stage Stage) Outcome {
	return Outcome{Stage: stage, Kind: KindSkipped}
}

// Failed builds a failed outcome, deriving the kind from err.
func Failed(stage Stage, err error) Outcome {
	return Outcome{Stage: stage, Kind: KindOf(err), Err: err}
}

// OK reports whether the stage completed (success or nothing to do).
func (o Outcome) OK() bool { return o.Kind == KindSuccess || o.Kind == KindSkipped }

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %s: %v", o.Stage, o.Kind, o.Err)
	}
	return fmt.Sprintf("%s: %s", o.Stage, o.Kind)
}
