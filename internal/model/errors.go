package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("not found")
	ErrStore            = errors.New("store failure")
	ErrCache            = errors.New("cache failure")
	// ErrVersionConflict is returned by a store when another writer closed or
	// inserted a version for the same key first.
	ErrVersionConflict = errors.New("parameter version conflict")
)

type InvalidParameterError struct {
	Name       string
	Reason     string
	Violations []string
}

func NewInvalidParameter(name, format string, args ...any) *InvalidParameterError {
	return &InvalidParameterError{Name: name, Reason: fmt.Sprintf(format, args...)}
}

func (e *InvalidParameterError) Error() string {
	msg := fmt.Sprintf("invalid parameter %q: %s", e.Name, e.Reason)
	if len(e.Violations) > 0 {
		msg += " (" + strings.Join(e.Violations, "; ") + ")"
	}
	return msg
}

func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

type NotFoundError struct {
	EntityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity %q not found", e.EntityID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

func (e *CacheError) Is(target error) bool {
	return target == ErrCache
}
