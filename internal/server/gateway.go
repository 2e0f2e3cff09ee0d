package server

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/state"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewGatewayMux returns the HTTP/JSON routes. Every route proxies to the
// gRPC service through c, so HTTP and gRPC callers share interceptors.
func NewGatewayMux(c *Client) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		// commands
		{"POST", "/v1/protocol/initialize", command(c.Initialize, nil)},
		{"POST", "/v1/protocol/authority", command(c.RotateAuthority, nil)},
		{"POST", "/v1/protocol/params", command(c.UpdateParams, nil)},
		{"POST", "/v1/policies", command(c.CreatePolicy, nil)},
		{"POST", "/v1/wallets/{owner}/fund", command(c.FundWallet, func(req *event.FundWallet, p map[string]string) (err error) {
			req.Owner, err = uuidParam(p, "owner")
			return err
		})},
		{"POST", "/v1/members", command(c.EnrollMember, nil)},
		{"POST", "/v1/members/{member_id}/premiums", command(c.PayPremium, func(req *event.PayPremium, p map[string]string) (err error) {
			req.MemberID, err = uuidParam(p, "member_id")
			return err
		})},
		{"POST", "/v1/stakes", command(c.StakeAph, nil)},
		{"POST", "/v1/stakes/unstake", command(c.UnstakeAph, nil)},
		{"POST", "/v1/claims", command(c.SubmitClaim, nil)},
		{"POST", "/v1/claims/{claim_id}/approve", command(c.ApproveClaim, func(req *event.ApproveClaim, p map[string]string) (err error) {
			req.ClaimID, err = uuidParam(p, "claim_id")
			return err
		})},
		{"POST", "/v1/claims/{claim_id}/deny", command(c.DenyClaim, func(req *event.DenyClaim, p map[string]string) (err error) {
			req.ClaimID, err = uuidParam(p, "claim_id")
			return err
		})},
		{"POST", "/v1/members/{member_id}/evidence", command(c.PresignEvidence, func(req *PresignEvidenceRequest, p map[string]string) (err error) {
			req.MemberID, err = uuidParam(p, "member_id")
			return err
		})},

		// reads
		{"GET", "/v1/wallets/{owner}/balances/{asset}", read(c.GetWalletBalance, func(r *http.Request, p map[string]string) (*WalletBalanceRequest, error) {
			owner, err := uuidParam(p, "owner")
			return &WalletBalanceRequest{Owner: owner, Asset: p["asset"]}, err
		})},
		{"GET", "/v1/pools", read(func(ctx context.Context, _ *Empty) (any, error) { return c.GetPools(ctx) }, empty)},
		{"GET", "/v1/policies", read(func(ctx context.Context, _ *Empty) (any, error) { return c.ListPolicies(ctx) }, empty)},
		{"GET", "/v1/members/{member_id}", read(c.GetMember, memberRequest)},
		{"GET", "/v1/members/{member_id}/claims", read(c.ListClaims, func(r *http.Request, p map[string]string) (*ListClaimsRequest, error) {
			m, err := memberRequest(r, p)
			if err != nil {
				return nil, err
			}
			return &ListClaimsRequest{MemberID: m.MemberID}, nil
		})},
		{"GET", "/v1/owners/{owner}/members", read(c.ListMembers, ownerRequest)},
		{"GET", "/v1/owners/{owner}/journals", read(c.ListJournals, func(r *http.Request, p map[string]string) (*ListJournalsRequest, error) {
			owner, err := uuidParam(p, "owner")
			if err != nil {
				return nil, err
			}
			req := &ListJournalsRequest{Owner: owner}
			if req.Limit, err = intQuery(r, "limit"); err != nil {
				return nil, err
			}
			if v := r.URL.Query().Get("before_sequence"); v != "" {
				seq, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "before_sequence: %v", err)
				}
				req.BeforeSequence = &seq
			}
			return req, nil
		})},
		{"GET", "/v1/stakes/{owner}", read(c.GetStake, ownerRequest)},
		{"GET", "/v1/claims/{claim_id}", read(c.GetClaim, func(r *http.Request, p map[string]string) (*ClaimRequest, error) {
			id, err := uuidParam(p, "claim_id")
			return &ClaimRequest{ClaimID: id}, err
		})},
		{"GET", "/v1/claims", read(c.ListClaims, func(r *http.Request, _ map[string]string) (*ListClaimsRequest, error) {
			limit, err := intQuery(r, "limit")
			if err != nil {
				return nil, err
			}
			st := r.URL.Query().Get("status")
			if st == "" {
				st = "pending"
			}
			return &ListClaimsRequest{Status: st, Limit: limit}, nil
		})},
		{"GET", "/v1/admin/integrity", read(func(ctx context.Context, _ *Empty) (any, error) { return c.VerifyIntegrity(ctx) }, empty)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// command decodes the JSON body into Req, applies path parameters and calls
// the RPC.
func command[Req, Resp any](call func(context.Context, *Req) (*Resp, error), bind func(*Req, map[string]string) error) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
			return
		}
		if bind != nil {
			if err := bind(req, params); err != nil {
				writeError(w, err)
				return
			}
		}
		resp, err := call(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// read builds the request from the URL and calls the RPC.
func read[Req, Resp any](call func(context.Context, *Req) (Resp, error), build func(*http.Request, map[string]string) (*Req, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req, err := build(r, params)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := call(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func empty(*http.Request, map[string]string) (*Empty, error) { return &Empty{}, nil }

func memberRequest(_ *http.Request, p map[string]string) (*MemberRequest, error) {
	id, err := uuidParam(p, "member_id")
	return &MemberRequest{MemberID: id}, err
}

func ownerRequest(_ *http.Request, p map[string]string) (*OwnerRequest, error) {
	id, err := uuidParam(p, "owner")
	return &OwnerRequest{Owner: id}, err
}

func uuidParam(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return id, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	body := errorBody{Code: st.Code().String(), Message: st.Message()}
	if kind := state.Kind(err); kind != "Internal" {
		body.Kind = kind
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
