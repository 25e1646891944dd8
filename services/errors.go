package services

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the redaction pipeline
var (
	ErrInput      = errors.New("invalid input")
	ErrExtraction = errors.New("extraction failed")
	ErrDetection  = errors.New("pii detection failed")
	ErrRender     = errors.New("render failed")
	ErrArchival   = errors.New("archival failed")
)

// StageError records the pipeline stage that failed. It matches both its kind
// sentinel and the underlying cause with errors.Is.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage string, kind, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// ErrorKind returns the taxonomy sentinel for err, or nil when err does not
// belong to the pipeline taxonomy.
func ErrorKind(err error) error {
	for _, kind := range []error{ErrInput, ErrExtraction, ErrDetection, ErrRender, ErrArchival} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
