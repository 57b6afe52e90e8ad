package server

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// codeOf maps the driver error taxonomy onto gRPC codes
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, types.ErrNotInitialized):
		return codes.Unavailable
	case errors.Is(err, types.ErrInvalidQueue),
		errors.Is(err, types.ErrBufferTooLarge),
		errors.Is(err, types.ErrInvalidPayload):
		return codes.InvalidArgument
	case errors.Is(err, types.ErrQueueFull):
		return codes.ResourceExhausted
	case errors.Is(err, types.ErrUnknownJob):
		return codes.NotFound
	case errors.Is(err, types.ErrUnsupportedCommand):
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(codeOf(err), err.Error())
}

// fromStatus restores the taxonomy sentinel from a status message so that
// callers can keep using errors.Is on the client side.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	for _, sentinel := range types.Taxonomy {
		prefix := sentinel.Error()
		if !strings.HasPrefix(msg, prefix) {
			continue
		}
		if rest := strings.TrimPrefix(msg, prefix); rest != "" {
			return &remoteError{sentinel: sentinel, msg: msg}
		}
		return sentinel
	}
	return err
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
