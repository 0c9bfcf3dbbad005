package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/address"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// SnapshotFormatVersion is stored with every snapshot row.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots hold the config, vaults, balances, asset authorities, sequence
// state, recent idempotency keys and the state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                    `json:"sequence"`
	StateHash       []byte                   `json:"state_hash"`
	Config          *ConfigSnapshot          `json:"config,omitempty"`
	Vaults          []VaultSnapshot          `json:"vaults"`
	Balances        map[string]int64         `json:"balances"` // AccountPath -> balance
	Authorities     []AuthoritySnapshot      `json:"authorities"`
	SequenceState   []core.PartitionSequence `json:"sequence_state"`
	IdempotencyKeys []string                 `json:"idempotency_keys"` // Oldest first
	CreatedAt       time.Time                `json:"created_at"`
}

// ConfigSnapshot is a serializable ProtocolConfig.
type ConfigSnapshot struct {
	Address                  string `json:"address"`
	Owner                    string `json:"owner"`
	CollateralAssetID        string `json:"collateral_asset_id"`
	DebtAssetID              string `json:"debt_asset_id"`
	MaxCollateralRatio       int64  `json:"max_collateral_ratio"`
	InterestRate             int64  `json:"interest_rate"`
	LiquidationThreshold     int64  `json:"liquidation_threshold"`
	LiquidationPenalty       int64  `json:"liquidation_penalty"`
	MinCollateralAmount      int64  `json:"min_collateral_amount"`
	MaxDebtPerVault          int64  `json:"max_debt_per_vault"`
	DebtCeiling              int64  `json:"debt_ceiling"`
	MintingPaused            bool   `json:"minting_paused"`
	TotalDebt                int64  `json:"total_debt"`
	TotalCollateral          int64  `json:"total_collateral"`
	BadDebt                  int64  `json:"bad_debt"`
	LastGlobalInterestUpdate int64  `json:"last_global_interest_update"`
	InitializedAt            int64  `json:"initialized_at"`
	Version                  int64  `json:"version"`
}

// VaultSnapshot is a serializable UserVault.
type VaultSnapshot struct {
	Address            string `json:"address"`
	Owner              string `json:"owner"`
	CollateralAmount   int64  `json:"collateral_amount"`
	DebtAmount         int64  `json:"debt_amount"`
	LastInterestUpdate int64  `json:"last_interest_update"`
	State              string `json:"state"`
	CreatedAt          int64  `json:"created_at"`
	Version            int64  `json:"version"`
}

// AuthoritySnapshot records the mint authority of an asset.
type AuthoritySnapshot struct {
	Asset    string `json:"asset"`
	Scope    uint8  `json:"scope"`
	EntityID string `json:"entity_id"` // hex
}

// NewSnapshotData converts a core snapshot.
func NewSnapshotData(snap *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Balances:        make(map[string]int64, len(snap.Balances)),
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	if cfg := snap.Config; cfg != nil {
		data.Config = &ConfigSnapshot{
			Address:                  cfg.Address.String(),
			Owner:                    cfg.Owner.String(),
			CollateralAssetID:        cfg.CollateralAssetID,
			DebtAssetID:              cfg.DebtAssetID,
			MaxCollateralRatio:       cfg.MaxCollateralRatio,
			InterestRate:             cfg.InterestRate,
			LiquidationThreshold:     cfg.LiquidationThreshold,
			LiquidationPenalty:       cfg.LiquidationPenalty,
			MinCollateralAmount:      cfg.MinCollateralAmount,
			MaxDebtPerVault:          cfg.MaxDebtPerVault,
			DebtCeiling:              cfg.DebtCeiling,
			MintingPaused:            cfg.MintingPaused,
			TotalDebt:                cfg.TotalDebt,
			TotalCollateral:          cfg.TotalCollateral,
			BadDebt:                  cfg.BadDebt,
			LastGlobalInterestUpdate: cfg.LastGlobalInterestUpdate,
			InitializedAt:            cfg.InitializedAt,
			Version:                  cfg.Version,
		}
	}

	for _, v := range snap.Vaults {
		data.Vaults = append(data.Vaults, VaultSnapshot{
			Address:            v.Address.String(),
			Owner:              v.Owner.String(),
			CollateralAmount:   v.CollateralAmount,
			DebtAmount:         v.DebtAmount,
			LastInterestUpdate: v.LastInterestUpdate,
			State:              v.State.String(),
			CreatedAt:          v.CreatedAt,
			Version:            v.Version,
		})
	}

	for key, balance := range snap.Balances {
		data.Balances[key.AccountPath()] = balance
	}

	for _, a := range snap.Authorities {
		data.Authorities = append(data.Authorities, AuthoritySnapshot{
			Asset:    a.Asset,
			Scope:    uint8(a.Authority.Scope),
			EntityID: hex.EncodeToString(a.Authority.EntityID[:]),
		})
	}

	return data
}

// ToCoreState is the inverse of NewSnapshotData.
func (d *SnapshotData) ToCoreState() (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(d.Balances)),
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	if len(d.StateHash) != len(snap.StateHash) {
		return nil, fmt.Errorf("state hash has %d bytes", len(d.StateHash))
	}
	copy(snap.StateHash[:], d.StateHash)

	if c := d.Config; c != nil {
		addr, err := address.Parse(c.Address)
		if err != nil {
			return nil, fmt.Errorf("config address: %w", err)
		}
		owner, err := uuid.Parse(c.Owner)
		if err != nil {
			return nil, fmt.Errorf("config owner: %w", err)
		}
		snap.Config = &state.ProtocolConfig{
			Address:                  addr,
			Owner:                    owner,
			CollateralAssetID:        c.CollateralAssetID,
			DebtAssetID:              c.DebtAssetID,
			MaxCollateralRatio:       c.MaxCollateralRatio,
			InterestRate:             c.InterestRate,
			LiquidationThreshold:     c.LiquidationThreshold,
			LiquidationPenalty:       c.LiquidationPenalty,
			MinCollateralAmount:      c.MinCollateralAmount,
			MaxDebtPerVault:          c.MaxDebtPerVault,
			DebtCeiling:              c.DebtCeiling,
			MintingPaused:            c.MintingPaused,
			TotalDebt:                c.TotalDebt,
			TotalCollateral:          c.TotalCollateral,
			BadDebt:                  c.BadDebt,
			LastGlobalInterestUpdate: c.LastGlobalInterestUpdate,
			InitializedAt:            c.InitializedAt,
			Version:                  c.Version,
		}
	}

	for _, v := range d.Vaults {
		addr, err := address.Parse(v.Address)
		if err != nil {
			return nil, fmt.Errorf("vault address: %w", err)
		}
		owner, err := uuid.Parse(v.Owner)
		if err != nil {
			return nil, fmt.Errorf("vault owner: %w", err)
		}
		vs, ok := state.ParseVaultState(v.State)
		if !ok {
			return nil, fmt.Errorf("vault %s: unknown state %q", v.Owner, v.State)
		}
		snap.Vaults = append(snap.Vaults, &state.UserVault{
			Address:            addr,
			Owner:              owner,
			CollateralAmount:   v.CollateralAmount,
			DebtAmount:         v.DebtAmount,
			LastInterestUpdate: v.LastInterestUpdate,
			State:              vs,
			CreatedAt:          v.CreatedAt,
			Version:            v.Version,
		})
	}

	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("balance: %w", err)
		}
		snap.Balances[key] = balance
	}

	for _, a := range d.Authorities {
		raw, err := hex.DecodeString(a.EntityID)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("authority for %s: bad entity id %q", a.Asset, a.EntityID)
		}
		id := ledger.Identity{Scope: ledger.AccountScope(a.Scope)}
		copy(id.EntityID[:], raw)
		snap.Authorities = append(snap.Authorities, ledger.AssetAuthority{Asset: a.Asset, Authority: id})
	}

	return snap, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
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
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// VerifyPending marks unverified snapshots whose state hash matches the
// persisted event at the same sequence. A snapshot can only be verified once
// the persistence worker has flushed its sequence.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE NOT s.verified
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence, for replay
// and projection rebuilds.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, payload,
		       state_hash, prev_hash, command_ts, source_sequence
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
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// DecodeEvent re-parses a stored command with the ingestion decoder.
func (e EventRow) DecodeEvent() (event.Event, error) {
	evt, err := event.Decode(e.EventType, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode event %d (%s): %w", e.Sequence, e.EventType, err)
	}
	return evt, nil
}

// StateHashArray returns the stored state hash as a fixed array.
func (e EventRow) StateHashArray() ([32]byte, error) {
	var h [32]byte
	if len(e.StateHash) != len(h) {
		return h, fmt.Errorf("event %d: state hash has %d bytes", e.Sequence, len(e.StateHash))
	}
	copy(h[:], e.StateHash)
	return h, nil
}
