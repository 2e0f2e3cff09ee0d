package projection

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// watermarkName identifies this worker's row in projections.watermark.
const watermarkName = "core"

// ProjectionWorker mirrors engine outputs into the projection tables.
// The engine drops outputs when this worker falls behind; a gap is logged
// and the tables can be rebuilt from the event log with Rebuild.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := loadWatermark(ctx, pw.db)
	if err != nil {
		return err
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq != pw.lastSeq+1 {
				pw.log.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection gap, rebuild required")
			}

			start := time.Now()
			if err := Apply(ctx, pw.db, output); err != nil {
				// Eventually consistent; a rebuild repairs the tables.
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(watermarkName).Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Apply writes one output into the projection tables in a single
// transaction and advances the watermark.
func Apply(ctx context.Context, db *sql.DB, output core.CoreOutput) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyJournal(ctx, tx, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), uint16(j.AssetID), j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	if err := applyChanges(ctx, tx, output.Changes, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyJournal moves amount into the debit account and out of the credit
// account, matching the engine's balance convention.
func applyJournal(ctx context.Context, tx *sql.Tx, debit, credit string, assetID uint16, amount, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, debit, assetID, amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3::BIGINT, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, credit, assetID, amount, seq); err != nil {
		return err
	}
	return nil
}

func loadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection_name = $1`, watermarkName,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load projection watermark: %w", err)
	}
	return seq, nil
}

// Rebuild truncates the projection tables and replays the whole event log
// through a fresh engine, applying every output. The replay verifies each
// logged state hash on the way.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projections.balances, projections.policies, projections.members, projections.stakes, projections.claims`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + watermarkName + `'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const pageSize = 1000
	sm := persistence.NewSnapshotManager(db)
	engine := core.NewEngine(0, nil, nil, nil, nil, log)

	applied := 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, engine.GetSequence(), pageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			evt, hash, err := persistence.DecodeRow(row)
			if err != nil {
				return err
			}
			output, err := engine.Replay(evt, hash)
			if err != nil {
				return err
			}
			if err := Apply(ctx, db, *output); err != nil {
				return fmt.Errorf("apply sequence %d: %w", row.Sequence, err)
			}
			applied++
		}
	}

	log.Info().Int("events", applied).Msg("projection rebuild complete")
	return nil
}
