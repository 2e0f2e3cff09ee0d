package server

import (
	"ApolloLedger/internal/state"
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// kindTrailer carries the rejection kind so clients can rebuild the
// sentinel error.
const kindTrailer = "x-apollo-error-kind"

// codeForKind maps a rejection kind to a gRPC status code.
func codeForKind(kind string) codes.Code {
	switch kind {
	case "":
		return codes.OK
	case "Unauthorized":
		return codes.PermissionDenied
	case "PolicyNotFound", "MemberNotFound", "ClaimNotFound":
		return codes.NotFound
	case "AlreadyInitialized", "DuplicateEnrollment":
		return codes.AlreadyExists
	case "NotInitialized", "InsufficientFunds", "InsufficientStake", "InsufficientPoolFunds",
		"MemberLapsed", "WouldBreachCollateralization", "InvalidTransition":
		return codes.FailedPrecondition
	case "InvalidParameter", "ExceedsCoverageLimit":
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// toStatus converts a service error to a gRPC status error and attaches the
// kind trailer.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	kind := state.Kind(err)
	if kind != "Internal" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(kindTrailer, kind))
	}
	return status.Error(codeForKind(kind), err.Error())
}

// fromStatus rebuilds a typed error on the client so callers can use
// errors.Is against the state sentinels.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if vals := trailer.Get(kindTrailer); len(vals) > 0 {
		if sentinel := state.KindError(vals[0]); sentinel != nil {
			return &RemoteError{Code: st.Code(), Message: st.Message(), kind: sentinel}
		}
	}
	return err
}

// RemoteError is a rejection returned by the server.
type RemoteError struct {
	Code    codes.Code
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.kind }

// GRPCStatus lets status.FromError and status.Code see through.
func (e *RemoteError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}
