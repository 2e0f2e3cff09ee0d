package query

import (
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/state"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConfigSource exposes the live protocol configuration. The engine satisfies
// it; member status and pool assets are derived from it at query time.
type ConfigSource interface {
	GetConfig() (state.ProtocolConfig, bool)
}

// QueryService provides read-only access to the projection tables and the
// event log. Every response carries as_of_sequence, the projection watermark
// it was read at.
type QueryService struct {
	db  *sql.DB
	cfg ConfigSource
	now func() time.Time
}

func NewQueryService(db *sql.DB, cfg ConfigSource) *QueryService {
	return &QueryService{db: db, cfg: cfg, now: time.Now}
}

func (qs *QueryService) config() (state.ProtocolConfig, error) {
	cfg, ok := qs.cfg.GetConfig()
	if !ok {
		return state.ProtocolConfig{}, state.ErrNotInitialized
	}
	return cfg, nil
}

// GetWalletBalance returns an owner's wallet balance for one asset. An account
// that was never touched reads as zero.
func (qs *QueryService) GetWalletBalance(ctx context.Context, owner uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", asset, state.ErrInvalidParameter)
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewWalletKey(owner, assetID).AccountPath()
	balance, err := qs.getProjectedBalance(ctx, path)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{Account: path, Asset: asset, Balance: balance, AsOfSequence: asOfSeq}, nil
}

// GetPools returns the premium pool (currency asset) and the capital pool
// (collateral asset).
func (qs *QueryService) GetPools(ctx context.Context) (*PoolsResponse, error) {
	cfg, err := qs.config()
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	premium, err := qs.getProjectedBalance(ctx, ledger.PremiumPoolKey(cfg.CurrencyAsset).AccountPath())
	if err != nil {
		return nil, err
	}
	capital, err := qs.getProjectedBalance(ctx, ledger.CapitalPoolKey(cfg.CollateralAsset).AccountPath())
	if err != nil {
		return nil, err
	}

	currency, _ := ledger.GetAssetName(cfg.CurrencyAsset)
	collateral, _ := ledger.GetAssetName(cfg.CollateralAsset)
	return &PoolsResponse{
		PremiumPool:  premium,
		CapitalPool:  capital,
		Currency:     currency,
		Collateral:   collateral,
		AsOfSequence: asOfSeq,
	}, nil
}

// ListPolicies returns every policy in creation order.
func (qs *QueryService) ListPolicies(ctx context.Context) ([]PolicyResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT policy_id, number, premium_amount, premium_period, coverage_limit, asset_id, created_at
		FROM projections.policies
		ORDER BY number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyResponse
	for rows.Next() {
		var p PolicyResponse
		var assetID uint16
		if err := rows.Scan(&p.PolicyID, &p.Number, &p.PremiumAmount, &p.PremiumPeriod, &p.CoverageLimit, &assetID, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

const memberColumns = `member_id, owner, policy_id, generation, premium_paid, paid_through, claim_count, enrolled_at, updated_at`

// GetMember returns one member with its status derived at the current time.
func (qs *QueryService) GetMember(ctx context.Context, memberID uuid.UUID) (*MemberResponse, error) {
	cfg, err := qs.config()
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var m state.Member
	err = qs.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM projections.members WHERE member_id = $1`, memberID,
	).Scan(&m.ID, &m.Owner, &m.PolicyID, &m.Generation, &m.PremiumPaid, &m.PaidThrough, &m.ClaimCount, &m.EnrolledAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", memberID, state.ErrMemberNotFound)
	}
	if err != nil {
		return nil, err
	}

	resp := qs.memberResponse(m, cfg, asOfSeq)
	return &resp, nil
}

// MembersByOwner returns every enrollment of owner, including lapsed
// generations, ordered by policy then generation.
func (qs *QueryService) MembersByOwner(ctx context.Context, owner uuid.UUID) ([]MemberResponse, error) {
	cfg, err := qs.config()
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM projections.members WHERE owner = $1 ORDER BY policy_id, generation`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []MemberResponse
	for rows.Next() {
		var m state.Member
		if err := rows.Scan(&m.ID, &m.Owner, &m.PolicyID, &m.Generation, &m.PremiumPaid, &m.PaidThrough, &m.ClaimCount, &m.EnrolledAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		members = append(members, qs.memberResponse(m, cfg, asOfSeq))
	}
	return members, rows.Err()
}

func (qs *QueryService) memberResponse(m state.Member, cfg state.ProtocolConfig, asOfSeq int64) MemberResponse {
	return MemberResponse{
		MemberID:     m.ID,
		Owner:        m.Owner,
		PolicyID:     m.PolicyID,
		Generation:   m.Generation,
		PremiumPaid:  m.PremiumPaid,
		PaidThrough:  m.PaidThrough,
		ClaimCount:   m.ClaimCount,
		Status:       m.StatusAt(qs.now().UnixMicro(), cfg.GracePeriod).String(),
		EnrolledAt:   m.EnrolledAt,
		UpdatedAt:    m.UpdatedAt,
		AsOfSequence: asOfSeq,
	}
}

// GetStake returns owner's stake. A fully withdrawn stake has no row.
func (qs *QueryService) GetStake(ctx context.Context, owner uuid.UUID) (*StakeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	s := StakeResponse{Owner: owner, AsOfSequence: asOfSeq}
	var assetID uint16
	err = qs.db.QueryRowContext(ctx, `
		SELECT stake_id, amount, asset_id, staked_at, updated_at
		FROM projections.stakes WHERE owner = $1
	`, owner).Scan(&s.StakeID, &s.Amount, &assetID, &s.StakedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no stake for %s: %w", owner, state.ErrInsufficientStake)
	}
	if err != nil {
		return nil, err
	}
	s.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
	return &s, nil
}

const claimColumns = `claim_id, member_id, claimant, policy_id, claim_index, amount, evidence_hash, status, adjudicator, submitted_at, updated_at`

func scanClaim(row interface{ Scan(...any) error }, asOfSeq int64) (ClaimResponse, error) {
	var c ClaimResponse
	var evidence []byte
	var adjudicator uuid.NullUUID
	if err := row.Scan(&c.ClaimID, &c.MemberID, &c.Claimant, &c.PolicyID, &c.Index, &c.Amount,
		&evidence, &c.Status, &adjudicator, &c.SubmittedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.EvidenceHash = hex.EncodeToString(evidence)
	if adjudicator.Valid {
		c.Adjudicator = &adjudicator.UUID
	}
	c.AsOfSequence = asOfSeq
	return c, nil
}

func (qs *QueryService) GetClaim(ctx context.Context, claimID uuid.UUID) (*ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	c, err := scanClaim(qs.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM projections.claims WHERE claim_id = $1`, claimID), asOfSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", claimID, state.ErrClaimNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimsByMember returns a member's claims in index order.
func (qs *QueryService) ClaimsByMember(ctx context.Context, memberID uuid.UUID) ([]ClaimResponse, error) {
	return qs.listClaims(ctx,
		`SELECT `+claimColumns+` FROM projections.claims WHERE member_id = $1 ORDER BY claim_index`, memberID)
}

// ClaimsByStatus is the adjudication queue: claims in the given status,
// oldest submission first.
func (qs *QueryService) ClaimsByStatus(ctx context.Context, status string, limit int) ([]ClaimResponse, error) {
	if _, err := state.ParseClaimStatus(status); err != nil {
		return nil, fmt.Errorf("%v: %w", err, state.ErrInvalidParameter)
	}
	if limit <= 0 {
		limit = 100
	}
	return qs.listClaims(ctx,
		`SELECT `+claimColumns+` FROM projections.claims WHERE status = $1 ORDER BY submitted_at, claim_id LIMIT $2`,
		status, limit)
}

func (qs *QueryService) listClaims(ctx context.Context, query string, args ...any) ([]ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimResponse
	for rows.Next() {
		c, err := scanClaim(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetJournalHistory returns journal entries touching any of owner's wallets,
// newest first. beforeSequence is the pagination cursor.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

const integrityPageSize = 1000

// VerifyIntegrity walks the whole event log checking the hash chain and
// sequence contiguity, then checks that projected balances net to zero per
// asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	v := newChainVerifier()

	after := int64(-1)
	for {
		n, err := qs.verifyPage(ctx, v, &after)
		if err != nil {
			return nil, err
		}
		if n < integrityPageSize {
			break
		}
	}

	report := &IntegrityReport{
		EventsChecked:   v.checked,
		HashChainBreaks: v.breaks,
		SequenceGaps:    v.gaps,
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::BIGINT
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
		ORDER BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) verifyPage(ctx context.Context, v *chainVerifier, after *int64) (int, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, prev_hash, state_hash
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, *after, integrityPageSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var seq int64
		var prevHash, stateHash []byte
		if err := rows.Scan(&seq, &prevHash, &stateHash); err != nil {
			return n, err
		}
		v.observe(seq, prevHash, stateHash)
		*after = seq
		n++
	}
	return n, rows.Err()
}

// --- helpers ---

// getWatermark returns the last sequence the projection applied, or -1 when
// nothing has been projected yet.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'core'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
