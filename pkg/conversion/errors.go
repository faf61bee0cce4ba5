package conversion

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a failed conversion for callers that map failures to
// responses.
type Kind int

const (
	// Internal covers unexpected failures
	Internal Kind = iota
	NoInputProvided
	NoVolumeFound
	ExtractionFailed
	ExportFailed
	ResourceExhausted
	// Canceled means the context ended before the conversion finished
	Canceled
)

var kindNames = map[Kind]string{
	Internal:          "Internal",
	NoInputProvided:   "NoInputProvided",
	NoVolumeFound:     "NoVolumeFound",
	ExtractionFailed:  "ExtractionFailed",
	ExportFailed:      "ExportFailed",
	ResourceExhausted: "ResourceExhausted",
	Canceled:          "Canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Stage names a pipeline step.
type Stage string

const (
	StageInput    Stage = "stage-input"
	StageAssemble Stage = "assemble"
	StageResample Stage = "resample"
	StageExtract  Stage = "extract"
	StageSimplify Stage = "simplify"
	StageSmooth   Stage = "smooth"
	StageExport   Stage = "export"
)

// Error is the failure of one conversion.
type Error struct {
	Kind  Kind
	Stage Stage
	// Attempted lists the thresholds tried when extraction failed
	Attempted []float64
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s during %s", e.Kind, e.Stage)
	if len(e.Attempted) > 0 {
		fmt.Fprintf(&b, " (thresholds %v)", e.Attempted)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func stageError(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
