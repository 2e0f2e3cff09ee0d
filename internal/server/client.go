package server

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/query"
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls ProtocolService. Rejections come back as *RemoteError, which
// unwraps to the matching state sentinel.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection that speaks the JSON codec.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out,
		grpc.CallContentSubtype(codecName), grpc.Trailer(&trailer))
	if err != nil {
		return nil, fromStatus(err, trailer)
	}
	return out, nil
}

// Execute sends any command to its RPC.
func (c *Client) Execute(ctx context.Context, evt event.Event) (*CommandReply, error) {
	switch e := evt.(type) {
	case *event.InitializeProtocol:
		return c.Initialize(ctx, e)
	case *event.RotateAuthority:
		return c.RotateAuthority(ctx, e)
	case *event.UpdateParams:
		return c.UpdateParams(ctx, e)
	case *event.CreatePolicy:
		return c.CreatePolicy(ctx, e)
	case *event.FundWallet:
		return c.FundWallet(ctx, e)
	case *event.EnrollMember:
		return c.EnrollMember(ctx, e)
	case *event.PayPremium:
		return c.PayPremium(ctx, e)
	case *event.StakeAph:
		return c.StakeAph(ctx, e)
	case *event.UnstakeAph:
		return c.UnstakeAph(ctx, e)
	case *event.SubmitClaim:
		return c.SubmitClaim(ctx, e)
	case *event.ApproveClaim:
		return c.ApproveClaim(ctx, e)
	case *event.DenyClaim:
		return c.DenyClaim(ctx, e)
	default:
		return nil, fmt.Errorf("no RPC for %T", evt)
	}
}

func (c *Client) Initialize(ctx context.Context, req *event.InitializeProtocol) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "Initialize", req)
}

func (c *Client) RotateAuthority(ctx context.Context, req *event.RotateAuthority) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "RotateAuthority", req)
}

func (c *Client) UpdateParams(ctx context.Context, req *event.UpdateParams) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "UpdateParams", req)
}

func (c *Client) CreatePolicy(ctx context.Context, req *event.CreatePolicy) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "CreatePolicy", req)
}

func (c *Client) FundWallet(ctx context.Context, req *event.FundWallet) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "FundWallet", req)
}

func (c *Client) EnrollMember(ctx context.Context, req *event.EnrollMember) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "EnrollMember", req)
}

func (c *Client) PayPremium(ctx context.Context, req *event.PayPremium) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "PayPremium", req)
}

func (c *Client) StakeAph(ctx context.Context, req *event.StakeAph) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "StakeAph", req)
}

func (c *Client) UnstakeAph(ctx context.Context, req *event.UnstakeAph) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "UnstakeAph", req)
}

func (c *Client) SubmitClaim(ctx context.Context, req *event.SubmitClaim) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "SubmitClaim", req)
}

func (c *Client) ApproveClaim(ctx context.Context, req *event.ApproveClaim) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "ApproveClaim", req)
}

func (c *Client) DenyClaim(ctx context.Context, req *event.DenyClaim) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "DenyClaim", req)
}

func (c *Client) GetWalletBalance(ctx context.Context, req *WalletBalanceRequest) (*query.BalanceResponse, error) {
	return invoke[query.BalanceResponse](ctx, c, "GetWalletBalance", req)
}

func (c *Client) GetPools(ctx context.Context) (*query.PoolsResponse, error) {
	return invoke[query.PoolsResponse](ctx, c, "GetPools", &Empty{})
}

func (c *Client) ListPolicies(ctx context.Context) (*PoliciesReply, error) {
	return invoke[PoliciesReply](ctx, c, "ListPolicies", &Empty{})
}

func (c *Client) GetMember(ctx context.Context, req *MemberRequest) (*query.MemberResponse, error) {
	return invoke[query.MemberResponse](ctx, c, "GetMember", req)
}

func (c *Client) ListMembers(ctx context.Context, req *OwnerRequest) (*MembersReply, error) {
	return invoke[MembersReply](ctx, c, "ListMembers", req)
}

func (c *Client) GetStake(ctx context.Context, req *OwnerRequest) (*query.StakeResponse, error) {
	return invoke[query.StakeResponse](ctx, c, "GetStake", req)
}

func (c *Client) GetClaim(ctx context.Context, req *ClaimRequest) (*query.ClaimResponse, error) {
	return invoke[query.ClaimResponse](ctx, c, "GetClaim", req)
}

func (c *Client) ListClaims(ctx context.Context, req *ListClaimsRequest) (*ClaimsReply, error) {
	return invoke[ClaimsReply](ctx, c, "ListClaims", req)
}

func (c *Client) ListJournals(ctx context.Context, req *ListJournalsRequest) (*JournalsReply, error) {
	return invoke[JournalsReply](ctx, c, "ListJournals", req)
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c, "VerifyIntegrity", &Empty{})
}

func (c *Client) PresignEvidence(ctx context.Context, req *PresignEvidenceRequest) (*PresignEvidenceReply, error) {
	return invoke[PresignEvidenceReply](ctx, c, "PresignEvidence", req)
}
