package index

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrUnreachable is matched by every TransportError.
	ErrUnreachable = xerrors.New("search engine unreachable")

	// ErrSerialization is matched by every SerializationError.
	ErrSerialization = xerrors.New("serialization failed")

	// ErrIndexNotFound is returned when an operation targets a missing index.
	ErrIndexNotFound = xerrors.New("index not found")

	// ErrIndexExists is returned when creating an index that already exists.
	ErrIndexExists = xerrors.New("index already exists")

	// ErrClusterMismatch is returned when the reached cluster does not carry
	// the configured cluster name.
	ErrClusterMismatch = xerrors.New("cluster name mismatch")
)

// TransportError reports a failure to reach the engine: host resolution,
// dialing or I/O while a request was in flight.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnreachable, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrUnreachable }

// SerializationError reports a schema or document that could not be encoded,
// or an engine response that could not be decoded.
type SerializationError struct {
	What string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.What, ErrSerialization, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// EngineError is a request the engine received and rejected.
type EngineError struct {
	Status int
	Type   string
	Reason string
}

const (
	indexNotFoundType = "index_not_found_exception"
	indexExistsType   = "resource_already_exists_exception"
)

// NewIndexNotFoundError builds the error an engine reports for a missing index.
func NewIndexNotFoundError(index string) *EngineError {
	return &EngineError{Status: 404, Type: indexNotFoundType, Reason: fmt.Sprintf("no such index [%s]", index)}
}

// NewIndexExistsError builds the error an engine reports when an index is
// created twice.
func NewIndexExistsError(index string) *EngineError {
	return &EngineError{Status: 400, Type: indexExistsType, Reason: fmt.Sprintf("index [%s] already exists", index)}
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

func (e *EngineError) Is(target error) bool {
	switch target {
	case ErrIndexNotFound:
		return e.Type == indexNotFoundType
	case ErrIndexExists:
		return e.Type == indexExistsType
	}
	return false
}
