package server

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/model"
)

// ErrorDomain tags ErrorInfo details produced by this service.
const ErrorDomain = "elevator.v1"

var kindCodes = map[model.ErrorKind]codes.Code{
	model.KindUnknownScope:      codes.NotFound,
	model.KindMalformedScope:    codes.InvalidArgument,
	model.KindUnknownBackend:    codes.NotFound,
	model.KindInvalidScope:      codes.InvalidArgument,
	model.KindInvalidPayload:    codes.InvalidArgument,
	model.KindForbidden:         codes.PermissionDenied,
	model.KindInvalidMetadata:   codes.InvalidArgument,
	model.KindDuplicateHook:     codes.AlreadyExists,
	model.KindNotFound:          codes.NotFound,
	model.KindInvalidTransition: codes.FailedPrecondition,
	model.KindTimeout:           codes.DeadlineExceeded,
	model.KindCancelled:         codes.Canceled,
	model.KindTokenExpired:      codes.FailedPrecondition,
	model.KindTokenRevoked:      codes.FailedPrecondition,
	model.KindTransient:         codes.Unavailable,
	model.KindRateLimited:       codes.ResourceExhausted,
}

// requestError ties an error to the request it ended.
type requestError struct {
	err   error
	id    string
	state elevation.State
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func withRequest(err error, v elevation.View) error {
	if err == nil || v.ID == "" {
		return err
	}
	return &requestError{err: err, id: v.ID, state: v.State}
}

// ToStatus maps err to a gRPC status carrying an ErrorInfo with the
// error kind and reason code.
func ToStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	kind := model.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = codes.Internal
	}
	st := status.New(code, err.Error())

	meta := map[string]string{"kind": string(kind)}
	var me *model.Error
	if errors.As(err, &me) {
		switch {
		case me.Message != "":
			meta["message"] = me.Message
		case me.Err != nil:
			meta["message"] = me.Err.Error()
		}
	}
	var re *requestError
	if errors.As(err, &re) {
		meta["request_id"] = re.id
		meta["state"] = string(re.state)
	}
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   model.ReasonOf(err),
		Domain:   ErrorDomain,
		Metadata: meta,
	})
	if derr != nil {
		return st
	}
	return detailed
}

// StatusError is a typed error rebuilt from a gRPC status.
type StatusError struct {
	Err       *model.Error
	RequestID string
	State     elevation.State
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// FromStatus turns a gRPC error back into a typed error. Errors without
// an ErrorInfo from this service map by status code.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		meta := info.GetMetadata()
		msg := meta["message"]
		if msg == "" {
			msg = st.Message()
		}
		return &StatusError{
			Err:       &model.Error{Kind: model.ErrorKind(meta["kind"]), Reason: info.GetReason(), Message: msg},
			RequestID: meta["request_id"],
			State:     elevation.State(meta["state"]),
		}
	}
	switch st.Code() {
	case codes.Unavailable:
		return model.Wrap(model.KindTransient, "server-unavailable", err)
	case codes.DeadlineExceeded:
		return model.Wrap(model.KindTimeout, "timeout", err)
	case codes.Canceled:
		return model.Wrap(model.KindCancelled, "cancelled", err)
	}
	return err
}
