package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the stable tag attached to every domain failure that can reach a caller.
type Kind string

const (
	KindDecode           Kind = "decode_error"
	KindDatasetEmpty     Kind = "dataset_empty"
	KindModelUnavailable Kind = "model_unavailable"
	KindCheckpointWrite  Kind = "checkpoint_write"
	KindInternal         Kind = "internal"
)

type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first tagged error in err's chain, or
// KindInternal when none is tagged.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// DecodeError reports bytes or a file that is not a decodable raster image.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("decode image %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Kind() Kind { return KindDecode }

// DatasetEmptyError reports that assembly produced no samples for a class.
type DatasetEmptyError struct {
	Genuine int
	Forged  int
}

func (e *DatasetEmptyError) Error() string {
	return fmt.Sprintf("dataset empty: genuine=%d forged=%d, both classes need at least one sample", e.Genuine, e.Forged)
}

func (e *DatasetEmptyError) Kind() Kind { return KindDatasetEmpty }

// ModelUnavailableError reports inference attempted with no loaded model.
type ModelUnavailableError struct {
	Reason string
}

func (e *ModelUnavailableError) Error() string {
	if e.Reason == "" {
		return "model not loaded, train a model or reload"
	}
	return "model not loaded: " + e.Reason
}

func (e *ModelUnavailableError) Kind() Kind { return KindModelUnavailable }

// CheckpointWriteError reports a failed checkpoint persist during training.
type CheckpointWriteError struct {
	Epoch int
	Path  string
	Err   error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("write checkpoint epoch %d to %s: %v", e.Epoch, e.Path, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

func (e *CheckpointWriteError) Kind() Kind { return KindCheckpointWrite }
