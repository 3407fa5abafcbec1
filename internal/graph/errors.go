package graph

import (
	"errors"
	"fmt"
)

const (
	errMessageDuplicateNode     = "duplicate node key"
	errMessageUnknownEndpoint   = "edge endpoint does not name a node"
	errMessageMisalignedHashtag = "per-hashtag arrays are not aligned with hashtags"
	errMessageUnknownNode       = "unknown node"
	errMessageUnknownEdge       = "unknown edge"
	errMessageMalformedFormat   = "malformed graph result at %s: %v"
)

var (
	// ErrDuplicateNode reports two nodes sharing a key.
	ErrDuplicateNode = errors.New(errMessageDuplicateNode)
	// ErrUnknownEndpoint reports an edge pointing at a node missing from the result.
	ErrUnknownEndpoint = errors.New(errMessageUnknownEndpoint)
	// ErrMisalignedHashtags reports weights/source/target arrays whose length differs from hashtags.
	ErrMisalignedHashtags = errors.New(errMessageMisalignedHashtag)
	// ErrUnknownNode is returned by mutators addressed at a node the store does not hold.
	ErrUnknownNode = errors.New(errMessageUnknownNode)
	// ErrUnknownEdge is returned by mutators addressed at an edge the store does not hold.
	ErrUnknownEdge = errors.New(errMessageUnknownEdge)
)

// MalformedResultError reports a graph result missing required fields or violating its
// structural invariants. Import never applies a result that fails with this error.
type MalformedResultError struct {
	Field string
	Err   error
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf(errMessageMalformedFormat, e.Field, e.Err)
}

func (e *MalformedResultError) Unwrap() error {
	return e.Err
}
