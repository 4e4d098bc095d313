// Package extension defines extension points, the registries that accumulate
// contributions to them, and the providers those contributions come from.
package extension

import (
	"errors"
	"fmt"
	"reflect"
)

// Kind is the container shape of an extension point's accumulated value.
type Kind int

const (
	// KindList accumulates contributions by concatenation.
	KindList Kind = iota
	// KindMap accumulates map contributions, later providers winning on key clashes.
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Point declares an extension point.
type Point struct {
	// ID is the globally unique, dotted id of the point (e.g. "acme.editor.actions").
	ID string
	// Kind is the shape of the accumulated value.
	Kind Kind
	// Type is the element type contributions must have. For KindMap it is the
	// map type each contribution must have. Nil accepts anything.
	Type reflect.Type
	// Desc is a human readable description.
	Desc string
}

// Validate reports whether the declaration is usable.
func (p Point) Validate() error {
	if p.ID == "" {
		return ErrMissingPointID
	}
	if p.Kind != KindList && p.Kind != KindMap {
		return fmt.Errorf("%w: %s has unsupported kind %s", ErrInvalidPoint, p.ID, p.Kind)
	}
	if p.Kind == KindMap && p.Type != nil && p.Type.Kind() != reflect.Map {
		return fmt.Errorf("%w: %s is a map point but has element type %s", ErrInvalidPoint, p.ID, p.Type)
	}
	return nil
}

// compatible reports whether two declarations of the same id can coexist.
func (p Point) compatible(other Point) bool {
	return p.Kind == other.Kind && p.Type == other.Type
}

// ChangeEvent describes a change to the accumulated extensions of one point.
// Applying Added at Index to the list before the change yields the list after it.
type ChangeEvent struct {
	ExtensionPointID string
	Added            []any
	Removed          []any
	Index            Index
}

// Predefined errors for extension registries.
var (
	ErrMissingPointID          = errors.New("extension point must have an id")
	ErrInvalidPoint            = errors.New("invalid extension point")
	ErrUnknownExtensionPoint   = errors.New("unknown extension point")
	ErrDuplicateExtensionPoint = errors.New("extension point already declared with different metadata")
	ErrNotSupported            = errors.New("operation not supported by this registry")
	ErrListenerNotFound        = errors.New("extension point listener not found")
	ErrProviderNotFound        = errors.New("extension provider not found")
	ErrProviderRegistered      = errors.New("extension provider is already registered")
	ErrAmbiguousContribution   = errors.New("multiple contributions to one extension point")
	ErrContributionType        = errors.New("contribution has the wrong type")
	ErrIndexOutOfRange         = errors.New("change index out of range")
)

// ContributionTypeError reports a contribution that does not match the
// declared type of the point it was contributed to.
type ContributionTypeError struct {
	PointID string
	Index   int
	Want    reflect.Type
	Got     reflect.Type
}

func (e *ContributionTypeError) Error() string {
	got := "nil"
	if e.Got != nil {
		got = e.Got.String()
	}
	return fmt.Sprintf("%s: extension point %s item %d: want %s, got %s", ErrContributionType, e.PointID, e.Index, e.Want, got)
}

func (e *ContributionTypeError) Unwrap() error { return ErrContributionType }

// ConfigurationError reports an extension point read through an owner that
// has no registry to read from.
type ConfigurationError struct {
	Owner   string
	PointID string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("extension point %s: owner %s has no extension registry", e.PointID, e.Owner)
}
