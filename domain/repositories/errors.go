package repositories

import (
	"errors"
	"fmt"
)

// AdapterKind names the adapter a failure came from
type AdapterKind string

const (
	AdapterRecognition AdapterKind = "recognition"
	AdapterGeneration  AdapterKind = "generation"
	AdapterSynthesis   AdapterKind = "synthesis"
)

// ErrorKind separates start-up failures from mid-stream failures
type ErrorKind string

const (
	ErrorKindInit      ErrorKind = "init"
	ErrorKindTransient ErrorKind = "transient"
)

var (
	ErrAdapterInit      = errors.New("adapter failed to start")
	ErrAdapterTransient = errors.New("adapter failed mid-stream")
)

// AdapterError is the typed failure every adapter boundary returns
type AdapterError struct {
	Adapter AdapterKind
	Kind    ErrorKind
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter %s error: %v", e.Adapter, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As
func (e *AdapterError) Unwrap() []error {
	if e.Kind == ErrorKindInit {
		return []error{ErrAdapterInit, e.Err}
	}
	return []error{ErrAdapterTransient, e.Err}
}

// InitError wraps err as a start-up failure of adapter
func InitError(adapter AdapterKind, err error) error {
	return &AdapterError{Adapter: adapter, Kind: ErrorKindInit, Err: err}
}

// TransientError wraps err as a mid-stream failure of adapter
func TransientError(adapter AdapterKind, err error) error {
	return &AdapterError{Adapter: adapter, Kind: ErrorKindTransient, Err: err}
}
