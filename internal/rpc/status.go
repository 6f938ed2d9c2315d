package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"txstore/internal/storage"
)

// toStatus maps a local error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotOwned):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, storage.ErrVisibilityRetriesExhausted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus turns a gRPC status back into the sentinel the caller knows.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return errors.Wrap(storage.ErrNotOwned, st.Message())
	case codes.Aborted:
		return errors.Wrap(storage.ErrVisibilityRetriesExhausted, st.Message())
	case codes.DeadlineExceeded:
		return errors.Wrap(context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return errors.Wrap(context.Canceled, st.Message())
	default:
		return err
	}
}
