// Package remote represents the state of a value fetched from the resource
// store. A read path never throws: a failed fetch is a Failure value that
// dependent views inspect like any other state.
package remote

import "fmt"

// Status of a remote value.
type Status int

const (
	NotAsked Status = iota
	Loading
	Success
	Failure
)

func (s Status) String() string {
	switch s {
	case NotAsked:
		return "not-asked"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Data is a value of type T together with its fetch status.
type Data[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Pending returns a Loading value.
func Pending[T any]() Data[T] {
	return Data[T]{Status: Loading}
}

// Succeed wraps a fetched value.
func Succeed[T any](v T) Data[T] {
	return Data[T]{Status: Success, Value: v}
}

// Fail wraps a fetch error.
func Fail[T any](err error) Data[T] {
	return Data[T]{Status: Failure, Err: err}
}

// From turns a (value, error) pair into Data.
func From[T any](v T, err error) Data[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Succeed(v)
}

// IsSuccess reports whether the value is available.
func (d Data[T]) IsSuccess() bool { return d.Status == Success }

// IsFailure reports whether the fetch failed.
func (d Data[T]) IsFailure() bool { return d.Status == Failure }

// Get returns the value and whether it is available.
func (d Data[T]) Get() (T, bool) {
	return d.Value, d.Status == Success
}

// Map transforms a successful value and passes other states through.
func Map[T, U any](d Data[T], fn func(T) U) Data[U] {
	if d.Status != Success {
		return Data[U]{Status: d.Status, Err: d.Err}
	}
	return Succeed(fn(d.Value))
}

// Both combines two values: Success only when both are, otherwise the first
// non-successful state wins (Failure before Loading before NotAsked).
func Both[A, B any](a Data[A], b Data[B]) (A, B, Status, error) {
	switch {
	case a.Status == Success && b.Status == Success:
		return a.Value, b.Value, Success, nil
	case a.Status == Failure:
		return a.Value, b.Value, Failure, a.Err
	case b.Status == Failure:
		return a.Value, b.Value, Failure, b.Err
	case a.Status == Loading || b.Status == Loading:
		return a.Value, b.Value, Loading, nil
	default:
		return a.Value, b.Value, NotAsked, nil
	}
}
