package transport

import (
	"errors"
	"io"
	"net"

	"github.com/sagernet/quic-go"
)

type quicError struct {
	err error
}

// WrapError makes QUIC close errors that mean an orderly shutdown match
// net.ErrClosed and io.EOF.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &quicError{err: err}
}

func (e *quicError) Error() string {
	return e.err.Error()
}

func (e *quicError) Unwrap() error {
	return e.err
}

func (e *quicError) Is(target error) bool {
	if errors.Is(e.err, target) {
		return true
	}
	switch target {
	case net.ErrClosed:
		var streamErr *quic.StreamError
		if errors.As(e.err, &streamErr) {
			return !streamErr.Remote && streamErr.ErrorCode == 0
		}
		var transportErr *quic.TransportError
		if errors.As(e.err, &transportErr) {
			return transportErr.ErrorCode == quic.NoError
		}
		var appErr *quic.ApplicationError
		if errors.As(e.err, &appErr) {
			return appErr.ErrorCode == 0
		}
		var idleErr *quic.IdleTimeoutError
		return errors.As(e.err, &idleErr)
	case io.EOF:
		var streamErr *quic.StreamError
		if errors.As(e.err, &streamErr) {
			return streamErr.ErrorCode == 0
		}
		var appErr *quic.ApplicationError
		if errors.As(e.err, &appErr) {
			return appErr.Remote && appErr.ErrorCode == 0
		}
	}
	return false
}
