package server

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/evidence"
	"ApolloLedger/internal/query"
	"ApolloLedger/internal/state"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "apollo.v1.ProtocolService"

// ProtocolServer is the RPC surface: one method per ledger operation plus
// the read and admin calls.
type ProtocolServer interface {
	Initialize(context.Context, *event.InitializeProtocol) (*CommandReply, error)
	RotateAuthority(context.Context, *event.RotateAuthority) (*CommandReply, error)
	UpdateParams(context.Context, *event.UpdateParams) (*CommandReply, error)
	CreatePolicy(context.Context, *event.CreatePolicy) (*CommandReply, error)
	FundWallet(context.Context, *event.FundWallet) (*CommandReply, error)
	EnrollMember(context.Context, *event.EnrollMember) (*CommandReply, error)
	PayPremium(context.Context, *event.PayPremium) (*CommandReply, error)
	StakeAph(context.Context, *event.StakeAph) (*CommandReply, error)
	UnstakeAph(context.Context, *event.UnstakeAph) (*CommandReply, error)
	SubmitClaim(context.Context, *event.SubmitClaim) (*CommandReply, error)
	ApproveClaim(context.Context, *event.ApproveClaim) (*CommandReply, error)
	DenyClaim(context.Context, *event.DenyClaim) (*CommandReply, error)

	GetWalletBalance(context.Context, *WalletBalanceRequest) (*query.BalanceResponse, error)
	GetPools(context.Context, *Empty) (*query.PoolsResponse, error)
	ListPolicies(context.Context, *Empty) (*PoliciesReply, error)
	GetMember(context.Context, *MemberRequest) (*query.MemberResponse, error)
	ListMembers(context.Context, *OwnerRequest) (*MembersReply, error)
	GetStake(context.Context, *OwnerRequest) (*query.StakeResponse, error)
	GetClaim(context.Context, *ClaimRequest) (*query.ClaimResponse, error)
	ListClaims(context.Context, *ListClaimsRequest) (*ClaimsReply, error)
	ListJournals(context.Context, *ListJournalsRequest) (*JournalsReply, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	PresignEvidence(context.Context, *PresignEvidenceRequest) (*PresignEvidenceReply, error)
}

// Engine is the part of the core the service needs.
type Engine interface {
	Execute(evt event.Event) (*core.Receipt, error)
	GetClaim(id uuid.UUID) (state.Claim, bool)
	GetMember(id uuid.UUID) (state.Member, bool)
	GetSequence() int64
}

// Service implements ProtocolServer. Commands go to the engine; reads come
// from the projections except GetClaim, which reads live engine state so
// the adjudicator never acts on a stale claim.
type Service struct {
	engine   Engine
	queries  *query.QueryService
	evidence *evidence.Store
	log      zerolog.Logger
}

// NewService wires the service. queries and store may be nil; the calls
// that need them then fail with Unavailable.
func NewService(engine Engine, queries *query.QueryService, store *evidence.Store, log zerolog.Logger) *Service {
	return &Service{engine: engine, queries: queries, evidence: store, log: log}
}

func (s *Service) execute(ctx context.Context, evt event.Event) (*CommandReply, error) {
	r, err := s.engine.Execute(evt)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &CommandReply{
		Sequence:  r.Sequence,
		StateHash: hex.EncodeToString(r.StateHash[:]),
		EventType: r.EventType.String(),
		EntityID:  r.EntityID,
		Duplicate: r.Duplicate,
	}, nil
}

func (s *Service) Initialize(ctx context.Context, req *event.InitializeProtocol) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) RotateAuthority(ctx context.Context, req *event.RotateAuthority) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) UpdateParams(ctx context.Context, req *event.UpdateParams) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) CreatePolicy(ctx context.Context, req *event.CreatePolicy) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) FundWallet(ctx context.Context, req *event.FundWallet) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) EnrollMember(ctx context.Context, req *event.EnrollMember) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) PayPremium(ctx context.Context, req *event.PayPremium) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) StakeAph(ctx context.Context, req *event.StakeAph) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) UnstakeAph(ctx context.Context, req *event.UnstakeAph) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) SubmitClaim(ctx context.Context, req *event.SubmitClaim) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) ApproveClaim(ctx context.Context, req *event.ApproveClaim) (*CommandReply, error) {
	return s.execute(ctx, req)
}

func (s *Service) DenyClaim(ctx context.Context, req *event.DenyClaim) (*CommandReply, error) {
	return s.execute(ctx, req)
}

// --- reads ---

func (s *Service) projections() (*query.QueryService, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projection queries are not configured")
	}
	return s.queries, nil
}

func (s *Service) GetWalletBalance(ctx context.Context, req *WalletBalanceRequest) (*query.BalanceResponse, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	resp, err := q.GetWalletBalance(ctx, req.Owner, req.Asset)
	return resp, toStatus(ctx, err)
}

func (s *Service) GetPools(ctx context.Context, _ *Empty) (*query.PoolsResponse, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	resp, err := q.GetPools(ctx)
	return resp, toStatus(ctx, err)
}

func (s *Service) ListPolicies(ctx context.Context, _ *Empty) (*PoliciesReply, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	policies, err := q.ListPolicies(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &PoliciesReply{Policies: policies}, nil
}

func (s *Service) GetMember(ctx context.Context, req *MemberRequest) (*query.MemberResponse, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	resp, err := q.GetMember(ctx, req.MemberID)
	return resp, toStatus(ctx, err)
}

func (s *Service) ListMembers(ctx context.Context, req *OwnerRequest) (*MembersReply, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	members, err := q.MembersByOwner(ctx, req.Owner)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &MembersReply{Members: members}, nil
}

func (s *Service) GetStake(ctx context.Context, req *OwnerRequest) (*query.StakeResponse, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	resp, err := q.GetStake(ctx, req.Owner)
	return resp, toStatus(ctx, err)
}

// GetClaim reads the claim from live engine state.
func (s *Service) GetClaim(ctx context.Context, req *ClaimRequest) (*query.ClaimResponse, error) {
	c, ok := s.engine.GetClaim(req.ClaimID)
	if !ok {
		return nil, toStatus(ctx, fmt.Errorf("claim %s: %w", req.ClaimID, state.ErrClaimNotFound))
	}
	resp := query.ClaimResponse{
		ClaimID:      c.ID,
		MemberID:     c.MemberID,
		Claimant:     c.Claimant,
		PolicyID:     c.PolicyID,
		Index:        c.Index,
		Amount:       c.Amount,
		EvidenceHash: hex.EncodeToString(c.EvidenceHash[:]),
		Status:       c.Status.String(),
		SubmittedAt:  c.SubmittedAt,
		UpdatedAt:    c.UpdatedAt,
		AsOfSequence: s.engine.GetSequence() - 1,
	}
	if c.Adjudicator != uuid.Nil {
		adj := c.Adjudicator
		resp.Adjudicator = &adj
	}
	return &resp, nil
}

func (s *Service) ListClaims(ctx context.Context, req *ListClaimsRequest) (*ClaimsReply, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	var claims []query.ClaimResponse
	if req.MemberID != uuid.Nil {
		claims, err = q.ClaimsByMember(ctx, req.MemberID)
	} else {
		claims, err = q.ClaimsByStatus(ctx, req.Status, req.Limit)
	}
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &ClaimsReply{Claims: claims}, nil
}

func (s *Service) ListJournals(ctx context.Context, req *ListJournalsRequest) (*JournalsReply, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := q.GetJournalHistory(ctx, req.Owner, limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &JournalsReply{Journals: entries}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	q, err := s.projections()
	if err != nil {
		return nil, err
	}
	report, err := q.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	if !report.IsHealthy {
		s.log.Warn().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Ints64("sequence_gaps", report.SequenceGaps).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Msg("integrity check failed")
	}
	return report, nil
}

// PresignEvidence issues an upload URL for a document backing a claim on
// member.
func (s *Service) PresignEvidence(ctx context.Context, req *PresignEvidenceRequest) (*PresignEvidenceReply, error) {
	if s.evidence == nil {
		return nil, status.Error(codes.Unavailable, "evidence store is not configured")
	}
	if _, ok := s.engine.GetMember(req.MemberID); !ok {
		return nil, toStatus(ctx, fmt.Errorf("member %s: %w", req.MemberID, state.ErrMemberNotFound))
	}
	up, err := s.evidence.PresignUpload(ctx, req.MemberID, req.ContentType)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "presign: %v", err)
	}
	return up, nil
}

// unary builds a method descriptor that decodes Req and dispatches to call.
func unary[Req, Resp any](name string, call func(ProtocolServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			ps := srv.(ProtocolServer)
			if interceptor == nil {
				return call(ps, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(ps, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes apollo.v1.ProtocolService for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProtocolServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Initialize", ProtocolServer.Initialize),
		unary("RotateAuthority", ProtocolServer.RotateAuthority),
		unary("UpdateParams", ProtocolServer.UpdateParams),
		unary("CreatePolicy", ProtocolServer.CreatePolicy),
		unary("FundWallet", ProtocolServer.FundWallet),
		unary("EnrollMember", ProtocolServer.EnrollMember),
		unary("PayPremium", ProtocolServer.PayPremium),
		unary("StakeAph", ProtocolServer.StakeAph),
		unary("UnstakeAph", ProtocolServer.UnstakeAph),
		unary("SubmitClaim", ProtocolServer.SubmitClaim),
		unary("ApproveClaim", ProtocolServer.ApproveClaim),
		unary("DenyClaim", ProtocolServer.DenyClaim),
		unary("GetWalletBalance", ProtocolServer.GetWalletBalance),
		unary("GetPools", ProtocolServer.GetPools),
		unary("ListPolicies", ProtocolServer.ListPolicies),
		unary("GetMember", ProtocolServer.GetMember),
		unary("ListMembers", ProtocolServer.ListMembers),
		unary("GetStake", ProtocolServer.GetStake),
		unary("GetClaim", ProtocolServer.GetClaim),
		unary("ListClaims", ProtocolServer.ListClaims),
		unary("ListJournals", ProtocolServer.ListJournals),
		unary("VerifyIntegrity", ProtocolServer.VerifyIntegrity),
		unary("PresignEvidence", ProtocolServer.PresignEvidence),
	},
}

// RegisterProtocolServer registers srv on s.
func RegisterProtocolServer(s grpc.ServiceRegistrar, srv ProtocolServer) {
	s.RegisterService(&ServiceDesc, srv)
}
