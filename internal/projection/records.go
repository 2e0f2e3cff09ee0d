package projection

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/state"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// applyChanges upserts every record an operation created or updated.
// Rows carry the last sequence that touched them.
func applyChanges(ctx context.Context, tx *sql.Tx, c core.Changes, seq int64) error {
	if c.Policy != nil {
		if err := upsertPolicy(ctx, tx, c.Policy, seq); err != nil {
			return fmt.Errorf("policy projection: %w", err)
		}
	}
	if c.Member != nil {
		if err := upsertMember(ctx, tx, c.Member, seq); err != nil {
			return fmt.Errorf("member projection: %w", err)
		}
	}
	if c.Stake != nil {
		if err := upsertStake(ctx, tx, c.Stake, seq); err != nil {
			return fmt.Errorf("stake projection: %w", err)
		}
	}
	if c.Claim != nil {
		if err := upsertClaim(ctx, tx, c.Claim, seq); err != nil {
			return fmt.Errorf("claim projection: %w", err)
		}
	}
	return nil
}

func upsertPolicy(ctx context.Context, tx *sql.Tx, p *state.Policy, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.policies
			(policy_id, number, premium_amount, premium_period, coverage_limit, asset_id, created_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (policy_id) DO NOTHING
	`, p.ID, int64(p.Number), p.PremiumAmount, p.PremiumPeriod, p.CoverageLimit, uint16(p.CurrencyAsset), p.CreatedAt, seq)
	return err
}

func upsertMember(ctx context.Context, tx *sql.Tx, m *state.Member, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.members
			(member_id, owner, policy_id, generation, premium_paid, paid_through, claim_count, enrolled_at, updated_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (member_id) DO UPDATE SET
			premium_paid = EXCLUDED.premium_paid,
			paid_through = EXCLUDED.paid_through,
			claim_count = EXCLUDED.claim_count,
			updated_at = EXCLUDED.updated_at,
			last_sequence = EXCLUDED.last_sequence
	`, m.ID, m.Owner, m.PolicyID, int64(m.Generation), m.PremiumPaid, m.PaidThrough, int64(m.ClaimCount), m.EnrolledAt, m.UpdatedAt, seq)
	return err
}

// upsertStake removes the row when the stake was fully withdrawn.
func upsertStake(ctx context.Context, tx *sql.Tx, s *state.Stake, seq int64) error {
	if s.Amount == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM projections.stakes WHERE owner = $1`, s.Owner)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stakes (owner, stake_id, amount, asset_id, staked_at, updated_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at,
			last_sequence = EXCLUDED.last_sequence
	`, s.Owner, s.ID, s.Amount, uint16(s.AssetID), s.StakedAt, s.UpdatedAt, seq)
	return err
}

func upsertClaim(ctx context.Context, tx *sql.Tx, c *state.Claim, seq int64) error {
	var adjudicator any
	if c.Adjudicator != uuid.Nil {
		adjudicator = c.Adjudicator
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claims
			(claim_id, member_id, claimant, policy_id, claim_index, amount, evidence_hash, status, adjudicator, submitted_at, updated_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (claim_id) DO UPDATE SET
			status = EXCLUDED.status,
			adjudicator = EXCLUDED.adjudicator,
			updated_at = EXCLUDED.updated_at,
			last_sequence = EXCLUDED.last_sequence
	`, c.ID, c.MemberID, c.Claimant, c.PolicyID, int64(c.Index), c.Amount, c.EvidenceHash[:],
		c.Status.String(), adjudicator, c.SubmittedAt, c.UpdatedAt, seq)
	return err
}
