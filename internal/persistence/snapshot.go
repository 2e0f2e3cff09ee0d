package persistence

import (
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/state"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const snapshotFormatVersion = 1 // JSON-encoded SnapshotData

// SnapshotManager saves and loads engine snapshots and reads the event log
// for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState. Balances are keyed
// by account path.
type SnapshotData struct {
	Sequence          int64                 `json:"sequence"`
	StateHash         []byte                `json:"state_hash"`
	Config            *state.ProtocolConfig `json:"config,omitempty"`
	Balances          map[string]int64      `json:"balances"`
	Policies          []state.Policy        `json:"policies"`
	Members           []state.Member        `json:"members"`
	Stakes            []state.Stake         `json:"stakes"`
	Claims            []state.Claim         `json:"claims"`
	PremiumsCollected int64                 `json:"premiums_collected"`
	PayoutsMade       int64                 `json:"payouts_made"`
	IdempotencyKeys   []string              `json:"idempotency_keys"`
	LastTimestamp     int64                 `json:"last_timestamp"`
	CreatedAt         time.Time             `json:"created_at"`
}

// NewSnapshotData converts an engine snapshot to its stored form.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]int64, len(s.Balances))
	for key, bal := range s.Balances {
		balances[key.AccountPath()] = bal
	}
	return &SnapshotData{
		Sequence:          s.Sequence,
		StateHash:         append([]byte(nil), s.StateHash[:]...),
		Config:            s.Config,
		Balances:          balances,
		Policies:          s.Policies,
		Members:           s.Members,
		Stakes:            s.Stakes,
		Claims:            s.Claims,
		PremiumsCollected: s.PremiumsCollected,
		PayoutsMade:       s.PayoutsMade,
		IdempotencyKeys:   s.IdempotencyKeys,
		LastTimestamp:     s.LastTimestamp,
		CreatedAt:         createdAt,
	}
}

// State converts the stored form back to an engine snapshot.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	balances := make(map[ledger.AccountKey]int64, len(d.Balances))
	for path, bal := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = bal
	}
	return &core.SnapshotState{
		Sequence:          d.Sequence,
		StateHash:         [32]byte(d.StateHash),
		Config:            d.Config,
		Balances:          balances,
		Policies:          d.Policies,
		Members:           d.Members,
		Stakes:            d.Stakes,
		Claims:            d.Claims,
		PremiumsCollected: d.PremiumsCollected,
		PayoutsMade:       d.PayoutsMade,
		IdempotencyKeys:   d.IdempotencyKeys,
		LastTimestamp:     d.LastTimestamp,
	}, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifySnapshot marks a snapshot verified once the event log holds its
// sequence with the same state hash. It reports whether it did.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64) (bool, error) {
	var logged, snapped []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT e.state_hash, s.state_hash
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.sequence = $1
	`, sequence).Scan(&logged, &snapped)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify snapshot %d: %w", sequence, err)
	}
	if !bytes.Equal(logged, snapped) {
		return false, fmt.Errorf("snapshot %d: state hash %x does not match log %x", sequence, snapped, logged)
	}

	_, err = sm.db.ExecContext(ctx, `UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	return err == nil, err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, signer, entity_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Signer, &e.EntityID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 for an empty
// log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Replayer is the part of the engine recovery drives.
type Replayer interface {
	RestoreFromSnapshot(*core.SnapshotState) error
	Replay(evt event.Event, expectedHash [32]byte) (*core.CoreOutput, error)
	GetSequence() int64
	GetStateHash() [32]byte
}

// Recover loads the latest verified snapshot into a fresh engine and
// replays the log after it. Every replayed operation must reproduce its
// logged state hash.
func (sm *SnapshotManager) Recover(ctx context.Context, engine Replayer, pageSize int, metrics *observability.Metrics, log zerolog.Logger) error {
	start := time.Now()

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		s, err := snap.State()
		if err != nil {
			return err
		}
		if err := engine.RestoreFromSnapshot(s); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		log.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	}

	replayed := 0
	for {
		from := engine.GetSequence()
		rows, err := sm.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := replayRow(engine, row); err != nil {
				return err
			}
			replayed++
		}
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	log.Info().
		Int("replayed", replayed).
		Int64("next_sequence", engine.GetSequence()).
		Dur("duration", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func replayRow(engine Replayer, row EventRow) error {
	if want := engine.GetSequence(); row.Sequence != want {
		return fmt.Errorf("event log gap: expected sequence %d, found %d", want, row.Sequence)
	}
	tip := engine.GetStateHash()
	if !bytes.Equal(row.PrevHash, tip[:]) {
		return fmt.Errorf("sequence %d: prev hash %x does not match chain tip %x", row.Sequence, row.PrevHash, tip)
	}

	evt, hash, err := DecodeRow(row)
	if err != nil {
		return err
	}
	_, err = engine.Replay(evt, hash)
	return err
}

// DecodeRow parses a logged event back into its command and state hash.
func DecodeRow(row EventRow) (event.Event, [32]byte, error) {
	if len(row.StateHash) != 32 {
		return nil, [32]byte{}, fmt.Errorf("sequence %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
	}
	et, err := event.ParseEventType(row.EventType)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	evt, err := event.Decode(et, row.Payload)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	return evt, [32]byte(row.StateHash), nil
}

// Snapshotter periodically snapshots the engine and verifies earlier
// snapshots once the persistence worker has caught up with them.
type Snapshotter struct {
	manager   *SnapshotManager
	engine    *core.Engine
	interval  time.Duration
	minEvents int64
	metrics   *observability.Metrics
	log       zerolog.Logger

	lastSequence int64
	pending      []int64
}

func NewSnapshotter(
	manager *SnapshotManager,
	engine *core.Engine,
	interval time.Duration,
	minEvents int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		manager:      manager,
		engine:       engine,
		interval:     interval,
		minEvents:    minEvents,
		metrics:      metrics,
		log:          log,
		lastSequence: -1,
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.verifyPending(ctx)
			if err := s.take(ctx); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) take(ctx context.Context) error {
	if s.engine.GetSequence()-1-s.lastSequence < s.minEvents {
		return nil
	}

	start := time.Now()
	snap := NewSnapshotData(s.engine.CreateSnapshotState(), start.UTC())
	size, err := s.manager.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	s.lastSequence = snap.Sequence
	s.pending = append(s.pending, snap.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	s.log.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *Snapshotter) verifyPending(ctx context.Context) {
	remaining := s.pending[:0]
	for _, seq := range s.pending {
		ok, err := s.manager.VerifySnapshot(ctx, seq)
		if err != nil {
			s.log.Error().Err(err).Int64("sequence", seq).Msg("snapshot verification failed")
			continue
		}
		if !ok {
			remaining = append(remaining, seq)
			continue
		}
		if s.metrics != nil {
			s.metrics.SnapshotLastSeq.Set(float64(seq))
		}
	}
	s.pending = remaining
}
