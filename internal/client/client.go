// Package client talks to an elevator gRPC server.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/scope"
	"github.com/ppiankov/elevator/internal/server"
	"github.com/ppiankov/elevator/internal/tracer"
)

// DefaultTimeout bounds each call that does not wait on a person.
const DefaultTimeout = 5 * time.Second

// Client connects to an elevator gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New creates a gRPC client connected to the given address.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elevator server: %w", err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// WithTimeout sets the per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke sends in and decodes the reply into out. Errors come back as
// typed errors; a rejected request yields a *server.StatusError naming
// the request.
func (c *Client) invoke(ctx context.Context, method string, bounded bool, in, out any) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if id := tracer.CorrelationID(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, server.CorrelationHeader, id)
	}
	req, err := server.Encode(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return server.FromStatus(err)
	}
	if out == nil {
		return nil
	}
	return server.Decode(resp, out, false)
}

// requestView fills v from a rejection that names the request it ended.
func requestView(v elevation.View, err error) (elevation.View, error) {
	var serr *server.StatusError
	if errors.As(err, &serr) && serr.RequestID != "" {
		v.ID = serr.RequestID
		v.State = serr.State
		v.Reason = serr.Err.Reason
		v.Message = serr.Err.Message
	}
	return v, err
}

// Submit opens an elevation request. When the request is rejected the
// returned View still carries its id and final state.
func (c *Client) Submit(ctx context.Context, req server.SubmitRequest) (elevation.View, error) {
	var v elevation.View
	err := c.invoke(ctx, server.MethodSubmitRequest, true, req, &v)
	return requestView(v, err)
}

// VerifyMFA answers the pending MFA challenge.
func (c *Client) VerifyMFA(ctx context.Context, requestID, response string) (elevation.View, error) {
	var v elevation.View
	err := c.invoke(ctx, server.MethodVerifyMFA, true, server.VerifyMFARequest{RequestID: requestID, Response: response}, &v)
	return requestView(v, err)
}

// Approve records an approve decision.
func (c *Client) Approve(ctx context.Context, requestID, approver, comment string) (elevation.View, error) {
	return c.decide(ctx, requestID, approver, "approve", comment)
}

// Reject records a reject decision.
func (c *Client) Reject(ctx context.Context, requestID, approver, comment string) (elevation.View, error) {
	return c.decide(ctx, requestID, approver, "reject", comment)
}

func (c *Client) decide(ctx context.Context, requestID, approver, decision, comment string) (elevation.View, error) {
	var v elevation.View
	err := c.invoke(ctx, server.MethodSubmitApproval, true, server.ApprovalRequest{
		RequestID: requestID,
		Approver:  approver,
		Decision:  decision,
		Comment:   comment,
	}, &v)
	return requestView(v, err)
}

// Status returns a request snapshot.
func (c *Client) Status(ctx context.Context, requestID string) (elevation.View, error) {
	var v elevation.View
	err := c.invoke(ctx, server.MethodGetRequest, true, server.GetRequest{RequestID: requestID}, &v)
	return v, err
}

// Await blocks until the request settles or timeout elapses. An elapsed
// timeout expires the request on the server.
func (c *Client) Await(ctx context.Context, requestID string, timeout time.Duration) (elevation.View, error) {
	req := server.AwaitRequest{RequestID: requestID}
	if timeout > 0 {
		req.Timeout = timeout.String()
	}
	var v elevation.View
	err := c.invoke(ctx, server.MethodAwaitRequest, false, req, &v)
	return requestView(v, err)
}

// List returns requests matching the filter.
func (c *Client) List(ctx context.Context, f server.ListRequests) ([]elevation.View, error) {
	var out server.RequestList
	if err := c.invoke(ctx, server.MethodListRequests, true, f, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// ValidateTokenUse asks the server whether one use of a token is allowed.
func (c *Client) ValidateTokenUse(ctx context.Context, req server.TokenUseRequest) (elevation.Decision, error) {
	var d elevation.Decision
	err := c.invoke(ctx, server.MethodValidateTokenUse, true, req, &d)
	return d, err
}

// Revoke revokes a token.
func (c *Client) Revoke(ctx context.Context, tokenID, actor, reason string) error {
	return c.invoke(ctx, server.MethodRevokeToken, true, server.RevokeRequest{TokenID: tokenID, Actor: actor, Reason: reason}, nil)
}

// ResolvePolicy returns the policy in force for (tenant, market).
func (c *Client) ResolvePolicy(ctx context.Context, tenant, market string) (server.PolicyResponse, error) {
	var p server.PolicyResponse
	err := c.invoke(ctx, server.MethodResolvePolicy, true, server.PolicyRequest{Tenant: tenant, Market: market}, &p)
	return p, err
}

// Scopes lists the scopes the server offers, optionally for one backend.
func (c *Client) Scopes(ctx context.Context, backend string) ([]scope.Details, error) {
	var out server.ScopeList
	if err := c.invoke(ctx, server.MethodListScopes, true, server.ScopesRequest{Backend: backend}, &out); err != nil {
		return nil, err
	}
	return out.Scopes, nil
}
