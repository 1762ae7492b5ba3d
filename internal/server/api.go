package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

// ServiceName is the fully qualified gRPC service name. Every message on
// the wire is a google.protobuf.Struct carrying the JSON form of the
// types below.
const ServiceName = "elevator.v1.ElevationService"

// Full method names.
const (
	MethodSubmitRequest    = "/" + ServiceName + "/SubmitRequest"
	MethodVerifyMFA        = "/" + ServiceName + "/VerifyMFA"
	MethodSubmitApproval   = "/" + ServiceName + "/SubmitApproval"
	MethodGetRequest       = "/" + ServiceName + "/GetRequest"
	MethodAwaitRequest     = "/" + ServiceName + "/AwaitRequest"
	MethodListRequests     = "/" + ServiceName + "/ListRequests"
	MethodValidateTokenUse = "/" + ServiceName + "/ValidateTokenUse"
	MethodRevokeToken      = "/" + ServiceName + "/RevokeToken"
	MethodResolvePolicy    = "/" + ServiceName + "/ResolvePolicy"
	MethodListScopes       = "/" + ServiceName + "/ListScopes"
)

// CorrelationHeader carries the caller's correlation id in gRPC metadata.
const CorrelationHeader = "x-correlation-id"

// SubmitRequest opens an elevation request.
type SubmitRequest struct {
	Requester     string         `json:"requester"`
	Tenant        string         `json:"tenant,omitempty"`
	Market        string         `json:"market,omitempty"`
	Scope         string         `json:"scope"`
	Justification string         `json:"justification,omitempty"`
	Target        model.Resource `json:"target,omitempty"`
	Emergency     bool           `json:"emergency,omitempty"`
	TTL           string         `json:"ttl,omitempty"` // Go duration, e.g. "30m"
	OneTime       bool           `json:"one_time,omitempty"`
}

// VerifyMFARequest answers a pending MFA challenge.
type VerifyMFARequest struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// ApprovalRequest records one approver decision.
type ApprovalRequest struct {
	RequestID string `json:"request_id"`
	Approver  string `json:"approver"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
}

// GetRequest asks for a request snapshot.
type GetRequest struct {
	RequestID string `json:"request_id"`
}

// AwaitRequest blocks until the request settles. An elapsed Timeout
// expires the request.
type AwaitRequest struct {
	RequestID string `json:"request_id"`
	Timeout   string `json:"timeout,omitempty"`
}

// ListRequests filters the request table.
type ListRequests struct {
	Tenant   string `json:"tenant,omitempty"`
	State    string `json:"state,omitempty"`
	Approver string `json:"approver,omitempty"`
}

// RequestList is the ListRequests response.
type RequestList struct {
	Requests []elevation.View `json:"requests"`
}

// TokenUseRequest asks whether one use of a token is allowed.
type TokenUseRequest struct {
	TokenID string      `json:"token_id"`
	Scope   string      `json:"scope"`
	Usage   model.Usage `json:"usage,omitempty"`
}

// RevokeRequest revokes a token.
type RevokeRequest struct {
	TokenID string `json:"token_id"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason,omitempty"`
}

// RevokeResponse confirms a revocation.
type RevokeResponse struct {
	TokenID string `json:"token_id"`
	Revoked bool   `json:"revoked"`
}

// PolicyRequest names the (tenant, market) pair to resolve.
type PolicyRequest struct {
	Tenant string `json:"tenant,omitempty"`
	Market string `json:"market,omitempty"`
}

// PolicyResponse is the resolved policy and the hash of the file it came from.
type PolicyResponse struct {
	Hash   string        `json:"hash"`
	Limits policy.Limits `json:"limits"`
}

// ScopesRequest optionally narrows ListScopes to one backend.
type ScopesRequest struct {
	Backend string `json:"backend,omitempty"`
}

// ScopeList is the ListScopes response.
type ScopeList struct {
	Scopes []scope.Details `json:"scopes"`
}

// ElevationServer is the service implemented by Server.
type ElevationServer interface {
	SubmitRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyMFA(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AwaitRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRequests(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateTokenUse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolvePolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListScopes(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(ElevationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ElevationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ElevationServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes ElevationService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ElevationServer)(nil),
	Methods: []grpc.MethodDesc{
		method("SubmitRequest", ElevationServer.SubmitRequest),
		method("VerifyMFA", ElevationServer.VerifyMFA),
		method("SubmitApproval", ElevationServer.SubmitApproval),
		method("GetRequest", ElevationServer.GetRequest),
		method("AwaitRequest", ElevationServer.AwaitRequest),
		method("ListRequests", ElevationServer.ListRequests),
		method("ValidateTokenUse", ElevationServer.ValidateTokenUse),
		method("RevokeToken", ElevationServer.RevokeToken),
		method("ResolvePolicy", ElevationServer.ResolvePolicy),
		method("ListScopes", ElevationServer.ListScopes),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "elevator/v1/elevation.proto",
}

// Encode converts v to its Struct form through JSON.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return out, nil
}

// Decode fills v from s. Unknown fields are rejected when strict is set.
func Decode(s *structpb.Struct, v any, strict bool) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return model.Wrap(model.KindInvalidPayload, "malformed-message", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return model.Wrap(model.KindInvalidPayload, "malformed-message", err)
	}
	return nil
}
