package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/model"
	"github.com/ppiankov/elevator/internal/scope"
)

// --- Input/Output types ---

// SubmitInput defines parameters for the elevator_submit tool.
type SubmitInput struct {
	Requester     string            `json:"requester" jsonschema:"identity asking for elevation"`
	Tenant        string            `json:"tenant,omitempty" jsonschema:"tenant, defaults to the requester's tenant"`
	Market        string            `json:"market,omitempty" jsonschema:"market or jurisdiction (e.g. eu, us)"`
	Scope         string            `json:"scope" jsonschema:"backend:operation scope (e.g. docker:run)"`
	Justification string            `json:"justification,omitempty" jsonschema:"why the elevation is needed"`
	Target        map[string]string `json:"target,omitempty" jsonschema:"resource attributes (image, repo, branch, path, file_key...)"`
	Emergency     bool              `json:"emergency,omitempty" jsonschema:"break-glass request with a short ttl and post-hoc review"`
	TTL           string            `json:"ttl,omitempty" jsonschema:"requested token lifetime (e.g. 10m), capped by policy"`
	OneTime       bool              `json:"one_time,omitempty" jsonschema:"token valid for a single use"`
}

// RequestOutput carries a request snapshot. Denied is set when the call
// ended or refused the request.
type RequestOutput struct {
	Request elevation.View `json:"request"`
	Denied  bool           `json:"denied,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

// VerifyMFAInput defines parameters for the elevator_verify_mfa tool.
type VerifyMFAInput struct {
	RequestID string `json:"request_id" jsonschema:"request awaiting MFA"`
	Response  string `json:"response" jsonschema:"one-time code delivered to the requester"`
}

// DecideInput defines parameters for the elevator_decide tool.
type DecideInput struct {
	RequestID string `json:"request_id" jsonschema:"request awaiting approval"`
	Approver  string `json:"approver" jsonschema:"identity deciding"`
	Decision  string `json:"decision" jsonschema:"approve or reject"`
	Comment   string `json:"comment,omitempty" jsonschema:"note kept with the decision"`
}

// StatusInput defines parameters for the elevator_status tool.
type StatusInput struct {
	RequestID string `json:"request_id" jsonschema:"request id (req-...)"`
}

// AwaitInput defines parameters for the elevator_await tool.
type AwaitInput struct {
	RequestID string `json:"request_id" jsonschema:"request id (req-...)"`
	Timeout   string `json:"timeout,omitempty" jsonschema:"how long to wait (e.g. 30s), omit to wait for the request deadline"`
}

// PendingInput filters the elevator_pending listing.
type PendingInput struct {
	Tenant   string `json:"tenant,omitempty" jsonschema:"only this tenant"`
	State    string `json:"state,omitempty" jsonschema:"only this state (e.g. approval_pending)"`
	Approver string `json:"approver,omitempty" jsonschema:"only requests this identity can still decide"`
}

// PendingOutput lists matching requests.
type PendingOutput struct {
	Requests []elevation.View `json:"requests"`
}

// UseInput defines parameters for the elevator_use tool.
type UseInput struct {
	TokenID string            `json:"token_id" jsonschema:"elevation token (etk-...)"`
	Scope   string            `json:"scope" jsonschema:"scope the token is used for"`
	Usage   map[string]string `json:"usage,omitempty" jsonschema:"attributes of this use, same keys as the request target"`
}

// UseOutput carries the token-use decision.
type UseOutput struct {
	Decision elevation.Decision `json:"decision"`
	Kind     string             `json:"kind,omitempty"`
}

// RevokeInput defines parameters for the elevator_revoke tool.
type RevokeInput struct {
	TokenID string `json:"token_id" jsonschema:"elevation token (etk-...)"`
	Actor   string `json:"actor" jsonschema:"identity revoking the token"`
	Reason  string `json:"reason,omitempty" jsonschema:"why the token is revoked"`
}

// RevokeOutput confirms the revocation.
type RevokeOutput struct {
	TokenID string `json:"token_id"`
	Status  string `json:"status"`
}

// PolicyInput defines parameters for the elevator_policy tool.
type PolicyInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"tenant id"`
	Market string `json:"market,omitempty" jsonschema:"market (e.g. eu)"`
}

// PolicyOutput is the resolved policy in a readable form.
type PolicyOutput struct {
	Hash           string            `json:"hash"`
	Tenant         string            `json:"tenant"`
	Market         string            `json:"market"`
	MaxTokenTTL    map[string]string `json:"max_token_ttl"`
	MinMFA         map[string]string `json:"min_mfa"`
	MaxUses        map[string]int    `json:"max_uses"`
	ApprovalTiers  []string          `json:"approval_tiers"`
	MinApprovals   int               `json:"min_approvals"`
	RequestTimeout string            `json:"request_timeout"`
	Regulatory     map[string]string `json:"regulatory"`
	DPOScopes      []string          `json:"dpo_scopes"`
	Emergency      EmergencyPolicy   `json:"emergency"`
}

// EmergencyPolicy is the break-glass part of PolicyOutput.
type EmergencyPolicy struct {
	Allowed bool   `json:"allowed"`
	TTLCap  string `json:"ttl_cap"`
	MinMFA  string `json:"min_mfa"`
}

// ScopesInput defines parameters for the elevator_scopes tool.
type ScopesInput struct {
	Backend string `json:"backend,omitempty" jsonschema:"only scopes of this backend (docker, github, desktop, figma)"`
}

// ScopesOutput lists scopes.
type ScopesOutput struct {
	Scopes []scope.Details `json:"scopes"`
}

// --- Handlers ---

// requestResult turns an orchestrator outcome into a tool result. Errors
// that name a request become error results carrying the request; the
// rest are returned as tool errors.
func requestResult(v elevation.View, err error) (*mcpsdk.CallToolResult, RequestOutput, error) {
	if err == nil {
		return nil, RequestOutput{Request: v}, nil
	}
	if v.ID == "" {
		return nil, RequestOutput{}, err
	}
	out := RequestOutput{
		Request: v,
		Denied:  true,
		Kind:    string(model.KindOf(err)),
		Reason:  model.ReasonOf(err),
		Message: err.Error(),
	}
	return &mcpsdk.CallToolResult{IsError: true}, out, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, model.Errorf(model.KindInvalidPayload, "invalid-"+field, "%s %q is not a valid duration", field, v)
	}
	return d, nil
}

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	ttl, err := parseDuration("ttl", input.TTL)
	if err != nil {
		return nil, RequestOutput{}, err
	}
	v, err := s.orch.Submit(ctx, elevation.SubmitInput{
		Requester:     input.Requester,
		Tenant:        input.Tenant,
		Market:        input.Market,
		Scope:         input.Scope,
		Justification: input.Justification,
		Target:        model.Resource(input.Target),
		Emergency:     input.Emergency,
		TTL:           ttl,
		OneTime:       input.OneTime,
	})
	if err == nil {
		s.logger.Info("elevation requested", "request_id", v.ID, "scope", v.Scope, "state", v.State)
	}
	return requestResult(v, err)
}

func (s *Server) handleVerifyMFA(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyMFAInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	return requestResult(s.orch.VerifyMFA(ctx, input.RequestID, input.Response))
}

func (s *Server) handleDecide(ctx context.Context, req *mcpsdk.CallToolRequest, input DecideInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	return requestResult(s.orch.SubmitApproval(ctx, input.RequestID, input.Approver, input.Decision, input.Comment))
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	v, err := s.orch.Status(input.RequestID)
	if err != nil {
		return nil, RequestOutput{}, err
	}
	return nil, RequestOutput{Request: v}, nil
}

func (s *Server) handleAwait(ctx context.Context, req *mcpsdk.CallToolRequest, input AwaitInput) (*mcpsdk.CallToolResult, RequestOutput, error) {
	timeout, err := parseDuration("timeout", input.Timeout)
	if err != nil {
		return nil, RequestOutput{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return requestResult(s.orch.Await(ctx, input.RequestID))
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list := s.orch.List(elevation.ListFilter{
		Tenant:   input.Tenant,
		State:    elevation.State(input.State),
		Approver: input.Approver,
	})
	if list == nil {
		list = []elevation.View{}
	}
	return nil, PendingOutput{Requests: list}, nil
}

func (s *Server) handleUse(ctx context.Context, req *mcpsdk.CallToolRequest, input UseInput) (*mcpsdk.CallToolResult, UseOutput, error) {
	d, err := s.orch.ValidateTokenUse(ctx, input.TokenID, input.Scope, model.Usage(input.Usage))
	if err != nil {
		out := UseOutput{Decision: d, Kind: string(model.KindOf(err))}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, UseOutput{Decision: d}, nil
}

func (s *Server) handleRevoke(ctx context.Context, req *mcpsdk.CallToolRequest, input RevokeInput) (*mcpsdk.CallToolResult, RevokeOutput, error) {
	if err := s.orch.RevokeToken(ctx, input.TokenID, input.Actor, input.Reason); err != nil {
		return nil, RevokeOutput{}, err
	}
	s.logger.Info("token revoked", "token_id", input.TokenID, "actor", input.Actor)
	return nil, RevokeOutput{TokenID: input.TokenID, Status: "revoked"}, nil
}

func (s *Server) handlePolicy(ctx context.Context, req *mcpsdk.CallToolRequest, input PolicyInput) (*mcpsdk.CallToolResult, PolicyOutput, error) {
	l := s.policy.ResolvePolicy(input.Tenant, input.Market)
	out := PolicyOutput{
		Hash:           s.policy.Hash(),
		Tenant:         l.Tenant,
		Market:         l.Market,
		MaxTokenTTL:    make(map[string]string, len(l.MaxTokenTTL)),
		MinMFA:         make(map[string]string, len(l.MinMFA)),
		MaxUses:        make(map[string]int, len(l.MaxUses)),
		ApprovalTiers:  []string{},
		MinApprovals:   l.Approvals(),
		RequestTimeout: l.RequestTimeout.String(),
		Regulatory:     make(map[string]string, len(l.Regulatory)),
		DPOScopes:      append([]string{}, l.DPOScopes...),
		Emergency: EmergencyPolicy{
			Allowed: l.Emergency.Allowed,
			TTLCap:  l.Emergency.TTLCap.String(),
			MinMFA:  string(l.Emergency.MinMFA),
		},
	}
	for k, v := range l.MaxTokenTTL {
		out.MaxTokenTTL[string(k)] = v.String()
	}
	for k, v := range l.MinMFA {
		out.MinMFA[string(k)] = string(v)
	}
	for k, v := range l.MaxUses {
		out.MaxUses[string(k)] = v
	}
	for _, t := range l.ApprovalTiers {
		out.ApprovalTiers = append(out.ApprovalTiers, string(t))
	}
	for k, v := range l.Regulatory {
		out.Regulatory[k] = v
	}
	return nil, out, nil
}

func (s *Server) handleScopes(ctx context.Context, req *mcpsdk.CallToolRequest, input ScopesInput) (*mcpsdk.CallToolResult, ScopesOutput, error) {
	out := ScopesOutput{Scopes: []scope.Details{}}
	for _, d := range s.registry.Scopes() {
		if input.Backend == "" || strings.EqualFold(d.Backend, input.Backend) {
			out.Scopes = append(out.Scopes, d)
		}
	}
	if input.Backend != "" && len(out.Scopes) == 0 {
		return nil, ScopesOutput{}, fmt.Errorf("unknown backend %q", input.Backend)
	}
	return nil, out, nil
}
