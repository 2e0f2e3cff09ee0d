package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace derives batch and journal ids from the event reference, so
// replaying the same command reproduces the same ids.
var batchNamespace = uuid.MustParse("6f1d3a52-8c4e-5b7a-9e21-0d4c7b3f5a10")

// JournalGenerator creates balanced journal batches from protocol operations.
// Generators that debit a participant or a pool pre-check the balance and
// return ErrInsufficientBalance instead of producing an overdraft.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// GenerateWalletFunding credits a participant wallet from the external
// deposits boundary: external:deposits → user:wallet
func (jg *JournalGenerator) GenerateWalletFunding(
	eventRef string,
	owner uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	return jg.transfer(
		eventRef,
		NewWalletKey(owner, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		amount,
		JournalTypeWalletFunding,
		timestamp,
	), nil
}

// GeneratePremium moves a premium from the payer's wallet into the premium
// pool: user:wallet → system:premium_pool
func (jg *JournalGenerator) GeneratePremium(
	eventRef string,
	payer uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	wallet := NewWalletKey(payer, assetID)
	if err := jg.balanceTracker.ValidateSufficient(wallet, amount); err != nil {
		return nil, fmt.Errorf("premium pre-check failed: %w", err)
	}

	return jg.transfer(eventRef, PremiumPoolKey(assetID), wallet, amount, JournalTypePremium, timestamp), nil
}

// GenerateStake locks collateral in the capital pool:
// user:wallet → system:capital_pool
func (jg *JournalGenerator) GenerateStake(
	eventRef string,
	staker uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	wallet := NewWalletKey(staker, assetID)
	if err := jg.balanceTracker.ValidateSufficient(wallet, amount); err != nil {
		return nil, fmt.Errorf("stake pre-check failed: %w", err)
	}

	return jg.transfer(eventRef, CapitalPoolKey(assetID), wallet, amount, JournalTypeStake, timestamp), nil
}

// GenerateUnstake returns collateral to the staker:
// system:capital_pool → user:wallet
func (jg *JournalGenerator) GenerateUnstake(
	eventRef string,
	staker uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	pool := CapitalPoolKey(assetID)
	if err := jg.balanceTracker.ValidateSufficient(pool, amount); err != nil {
		return nil, fmt.Errorf("unstake pre-check failed: %w", err)
	}

	return jg.transfer(eventRef, NewWalletKey(staker, assetID), pool, amount, JournalTypeUnstake, timestamp), nil
}

// GenerateClaimPayout pays an approved claim out of the premium pool:
// system:premium_pool → user:wallet
func (jg *JournalGenerator) GenerateClaimPayout(
	eventRef string,
	claimant uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	pool := PremiumPoolKey(assetID)
	if err := jg.balanceTracker.ValidateSufficient(pool, amount); err != nil {
		return nil, fmt.Errorf("payout pre-check failed: %w", err)
	}

	return jg.transfer(eventRef, NewWalletKey(claimant, assetID), pool, amount, JournalTypeClaimPayout, timestamp), nil
}

func (jg *JournalGenerator) transfer(
	eventRef string,
	debit, credit AccountKey,
	amount int64,
	journalType JournalType,
	timestamp int64,
) *Batch {
	batchID := uuid.NewSHA1(batchNamespace, []byte(eventRef))

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(batchID, []byte(strconv.Itoa(len(batch.Journals)))),
		BatchID:       batchID,
		EventRef:      eventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   journalType,
		Timestamp:     timestamp,
	})

	return batch
}
