// Package finalizer collects resources that must be released together,
// closing them in reverse order of registration.
package finalizer

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// Finalizer accumulates io.Closers for cleanup.
type Finalizer struct {
	closers []io.Closer
}

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Add registers closers for cleanup.
func (f *Finalizer) Add(closers ...io.Closer) {
	f.closers = append(f.closers, closers...)
}

// Cleanup closes all registered closers in LIFO order and returns errIn
// combined with any close errors.
func (f *Finalizer) Cleanup(errIn error) error {
	err := errIn
	for i := len(f.closers) - 1; i >= 0; i-- {
		if cerr := f.closers[i].Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	f.closers = nil
	return err
}

// Cleanupf is shorthand for Cleanup(fmt.Errorf(format, err)).
func (f *Finalizer) Cleanupf(format string, err error) error {
	return f.Cleanup(fmt.Errorf(format, err))
}

// NewContextCloser wraps a context cancel func as an io.Closer.
func NewContextCloser(cancel context.CancelFunc) io.Closer {
	return &contextCloser{cancel: cancel}
}

type contextCloser struct {
	cancel context.CancelFunc
}

func (c *contextCloser) Close() error {
	c.cancel()
	return nil
}

// NewCloser wraps a plain func as an io.Closer.
func NewCloser(fn func() error) io.Closer {
	return &funcCloser{fn: fn}
}

type funcCloser struct {
	fn func() error
}

func (c *funcCloser) Close() error {
	return c.fn()
}
