package adjudication

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/query"
	"context"
	"fmt"
)

// Decision is the outcome of one decider.
type Decision int

const (
	// DecisionAbstain leaves the claim for the next decider, or for manual
	// review at the end of a chain.
	DecisionAbstain Decision = iota
	DecisionApprove
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionDeny:
		return "deny"
	default:
		return "abstain"
	}
}

// Request is what a decider sees about a submitted claim.
type Request struct {
	Claim       query.ClaimResponse
	EvidenceKey string
}

// Verdict is a decision plus the rule that produced it.
type Verdict struct {
	Decision Decision
	Rule     string
	Reason   string
}

func abstain(rule string) Verdict {
	return Verdict{Decision: DecisionAbstain, Rule: rule}
}

// Decider evaluates one pending claim. An error means the decider could not
// reach a verdict and the claim should be retried.
type Decider interface {
	Decide(ctx context.Context, req Request) (Verdict, error)
}

// ThresholdDecider approves claims at or below Max. Larger claims are left
// to the rest of the chain.
type ThresholdDecider struct {
	Max int64
}

func (d ThresholdDecider) Decide(_ context.Context, req Request) (Verdict, error) {
	if d.Max > 0 && req.Claim.Amount <= d.Max {
		return Verdict{
			Decision: DecisionApprove,
			Rule:     "threshold",
			Reason:   fmt.Sprintf("amount %d within fast-claim threshold %d", req.Claim.Amount, d.Max),
		}, nil
	}
	return abstain("threshold"), nil
}

// Verifier checks an uploaded object against an expected digest.
type Verifier interface {
	Verify(ctx context.Context, key string, expected event.Digest) (bool, error)
}

// EvidenceDecider denies claims whose uploaded document does not hash to
// the digest recorded on the claim. A match proves nothing about the claim
// itself, so it abstains.
type EvidenceDecider struct {
	Store Verifier
	// Require denies claims submitted without an evidence key.
	Require bool
}

func (d EvidenceDecider) Decide(ctx context.Context, req Request) (Verdict, error) {
	if req.EvidenceKey == "" {
		if d.Require {
			return Verdict{Decision: DecisionDeny, Rule: "evidence", Reason: "no evidence document"}, nil
		}
		return abstain("evidence"), nil
	}

	var expected event.Digest
	if err := expected.UnmarshalText([]byte(req.Claim.EvidenceHash)); err != nil {
		return Verdict{Decision: DecisionDeny, Rule: "evidence", Reason: "malformed evidence hash"}, nil
	}

	ok, err := d.Store.Verify(ctx, req.EvidenceKey, expected)
	if err != nil {
		return Verdict{}, fmt.Errorf("verify evidence %s: %w", req.EvidenceKey, err)
	}
	if !ok {
		return Verdict{Decision: DecisionDeny, Rule: "evidence", Reason: "evidence digest mismatch"}, nil
	}
	return abstain("evidence"), nil
}

// Chain runs deciders in order; the first approve or deny wins.
type Chain []Decider

func (c Chain) Decide(ctx context.Context, req Request) (Verdict, error) {
	for _, d := range c {
		v, err := d.Decide(ctx, req)
		if err != nil {
			return Verdict{}, err
		}
		if v.Decision != DecisionAbstain {
			return v, nil
		}
	}
	return abstain("chain"), nil
}
