package server

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var ts0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	engine    *core.Engine
	client    *Client
	conn      *grpc.ClientConn
	server    *GRPCServer
	metrics   *observability.Metrics
	authority uuid.UUID
	n         int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:    core.NewEngine(0, nil, nil, nil, nil, zerolog.Nop()),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		authority: uuid.New(),
	}

	lis := bufconn.Listen(1 << 20)
	f.server = NewGRPCServer("bufnet", "", NewService(f.engine, nil, nil, zerolog.Nop()), nil, f.metrics, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.Serve(ctx, lis)
	}()

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	f.conn = conn
	f.client = NewClient(conn)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return f
}

func (f *fixture) header(signer uuid.UUID) event.Header {
	f.n++
	return event.Header{
		Key:       fmt.Sprintf("srv-%d", f.n),
		Caller:    signer,
		Timestamp: ts0.Add(time.Duration(f.n) * time.Second),
	}
}

func (f *fixture) initCmd() *event.InitializeProtocol {
	return &event.InitializeProtocol{
		Header:          f.header(f.authority),
		Authority:       f.authority,
		CurrencyAsset:   "USDC",
		CollateralAsset: "APH",
		MinStakeRatio:   500_000,
		GracePeriodSecs: 3600,
	}
}

func (f *fixture) mustExec(t *testing.T, evt event.Event) *CommandReply {
	t.Helper()
	r, err := f.client.Execute(context.Background(), evt)
	require.NoError(t, err, "%s", evt.EventType())
	return r
}

func TestGRPC_CommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	initCmd := f.initCmd()
	r, err := f.client.Initialize(ctx, initCmd)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Sequence)
	assert.Equal(t, "ProtocolInitialized", r.EventType)
	assert.Len(t, r.StateHash, 64)
	assert.False(t, r.Duplicate)

	dup, err := f.client.Initialize(ctx, initCmd)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	_, err = f.client.Initialize(ctx, f.initCmd())
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrAlreadyInitialized)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("Initialize", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueryErrors.WithLabelValues("Initialize", "AlreadyExists")))
}

func TestGRPC_ClaimLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	f.mustExec(t, f.initCmd())
	policy := f.mustExec(t, &event.CreatePolicy{Header: f.header(f.authority), PremiumAmount: 50, PremiumPeriodSecs: 86400, CoverageLimit: 200}).EntityID
	f.mustExec(t, &event.FundWallet{Header: f.header(owner), Owner: owner, Asset: "USDC", Amount: 1000})
	f.mustExec(t, &event.FundWallet{Header: f.header(owner), Owner: owner, Asset: "APH", Amount: 1000})
	f.mustExec(t, &event.StakeAph{Header: f.header(owner), Amount: 600})
	member := f.mustExec(t, &event.EnrollMember{Header: f.header(owner), PolicyID: policy, InitialPremium: 100}).EntityID
	claimID := f.mustExec(t, &event.SubmitClaim{Header: f.header(owner), MemberID: member, Amount: 40}).EntityID

	c, err := f.client.GetClaim(ctx, &ClaimRequest{ClaimID: claimID})
	require.NoError(t, err)
	assert.Equal(t, "pending", c.Status)
	assert.Equal(t, member, c.MemberID)
	assert.Nil(t, c.Adjudicator)

	// only the authority may adjudicate
	_, err = f.client.ApproveClaim(ctx, &event.ApproveClaim{Header: f.header(owner), ClaimID: claimID})
	assert.ErrorIs(t, err, state.ErrUnauthorized)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = f.client.ApproveClaim(ctx, &event.ApproveClaim{Header: f.header(f.authority), ClaimID: claimID})
	require.NoError(t, err)

	c, err = f.client.GetClaim(ctx, &ClaimRequest{ClaimID: claimID})
	require.NoError(t, err)
	assert.Equal(t, "paid", c.Status)
	require.NotNil(t, c.Adjudicator)
	assert.Equal(t, f.authority, *c.Adjudicator)

	_, err = f.client.DenyClaim(ctx, &event.DenyClaim{Header: f.header(f.authority), ClaimID: claimID})
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

// TestGRPC_ClockedEngineStampsCommands sends forward- and backdated
// commands to an engine with a clock: both are stamped with server time, so
// the member stays active and cannot be enrolled twice.
func TestGRPC_ClockedEngineStampsCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()
	now := ts0.Add(time.Hour)
	f.engine.SetClock(func() time.Time { return now })

	f.mustExec(t, f.initCmd())
	policy := f.mustExec(t, &event.CreatePolicy{Header: f.header(f.authority), PremiumAmount: 50, PremiumPeriodSecs: 86400, CoverageLimit: 200}).EntityID
	f.mustExec(t, &event.FundWallet{Header: f.header(owner), Owner: owner, Asset: "USDC", Amount: 1000})
	member := f.mustExec(t, &event.EnrollMember{Header: f.header(owner), PolicyID: policy, InitialPremium: 100}).EntityID

	forward := f.header(owner)
	forward.Timestamp = now.AddDate(1, 0, 0)
	_, err := f.client.EnrollMember(ctx, &event.EnrollMember{Header: forward, PolicyID: policy, InitialPremium: 100})
	assert.ErrorIs(t, err, state.ErrDuplicateEnrollment)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	back := f.header(owner)
	back.Timestamp = ts0.AddDate(-1, 0, 0)
	claimID := f.mustExec(t, &event.SubmitClaim{Header: back, MemberID: member, Amount: 40}).EntityID

	c, err := f.client.GetClaim(ctx, &ClaimRequest{ClaimID: claimID})
	require.NoError(t, err)
	assert.Equal(t, now.UnixMicro(), c.SubmittedAt)
}

func TestGRPC_NotFoundAndUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.GetClaim(ctx, &ClaimRequest{ClaimID: uuid.New()})
	assert.ErrorIs(t, err, state.ErrClaimNotFound)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.GetPools(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	_, err = f.client.PresignEvidence(ctx, &PresignEvidenceRequest{MemberID: uuid.New()})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	f := newFixture(t)
	hc := healthpb.NewHealthClient(f.conn)

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.server.SetServing(true)
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestCodeForKind(t *testing.T) {
	cases := map[string]codes.Code{
		"":                             codes.OK,
		"Unauthorized":                 codes.PermissionDenied,
		"ClaimNotFound":                codes.NotFound,
		"PolicyNotFound":               codes.NotFound,
		"DuplicateEnrollment":          codes.AlreadyExists,
		"InsufficientFunds":            codes.FailedPrecondition,
		"WouldBreachCollateralization": codes.FailedPrecondition,
		"MemberLapsed":                 codes.FailedPrecondition,
		"ExceedsCoverageLimit":         codes.InvalidArgument,
		"InvalidParameter":             codes.InvalidArgument,
		"Internal":                     codes.Internal,
	}
	for kind, want := range cases {
		assert.Equal(t, want, codeForKind(kind), kind)
	}
}

func TestGateway(t *testing.T) {
	f := newFixture(t)
	mux, err := NewGatewayMux(f.client)
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	body, err := json.Marshal(f.initCmd())
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/protocol/initialize", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	var reply CommandReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ProtocolInitialized", reply.EventType)

	resp, err = http.Get(srv.URL + "/v1/claims/" + uuid.NewString())
	require.NoError(t, err)
	var eb errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ClaimNotFound", eb.Kind)

	resp, err = http.Get(srv.URL + "/v1/claims/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoopbackTarget(t *testing.T) {
	assert.Equal(t, "passthrough:///localhost:9090", loopbackTarget(":9090"))
	assert.Equal(t, "passthrough:///localhost:9090", loopbackTarget("0.0.0.0:9090"))
	assert.Equal(t, "passthrough:///10.0.0.5:9090", loopbackTarget("10.0.0.5:9090"))
}
