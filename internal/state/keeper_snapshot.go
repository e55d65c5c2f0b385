package state

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const KeeperSnapshotKey = "keeper:state"

// PhaseTally is the per-phase summary kept with the last cycle.
type PhaseTally struct {
	Op        string `msgpack:"op"`
	Items     int    `msgpack:"items"`
	Batches   int    `msgpack:"batches"`
	Succeeded int    `msgpack:"succeeded"`
	Failed    int    `msgpack:"failed"`
	Skipped   int    `msgpack:"skipped"`
	ReadErr   string `msgpack:"read_err,omitempty"`
	Cancelled bool   `msgpack:"cancelled,omitempty"`
}

// KeeperSnapshot is what survives a restart: where the endpoint pool was
// pointing, the last sequence number used and the last cycle's tallies.
type KeeperSnapshot struct {
	CycleID       string       `msgpack:"cycle_id"`
	Mode          string       `msgpack:"mode"`
	EndpointIndex int          `msgpack:"endpoint_index"`
	LastNonce     uint64       `msgpack:"last_nonce"`
	Retries       int          `msgpack:"retries"`
	Aborted       bool         `msgpack:"aborted"`
	Err           string       `msgpack:"err,omitempty"`
	Phases        []PhaseTally `msgpack:"phases"`
	UpdatedAtMS   int64        `msgpack:"updated_at_ms"`
}

func LoadKeeperSnapshot(ctx context.Context, store Store) (KeeperSnapshot, bool, error) {
	if store == nil {
		return KeeperSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, KeeperSnapshotKey)
	if err != nil {
		return KeeperSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return KeeperSnapshot{}, false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return KeeperSnapshot{}, false, err
	}
	var snapshot KeeperSnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return KeeperSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveKeeperSnapshot(ctx context.Context, store Store, snapshot KeeperSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(&snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, KeeperSnapshotKey, base64.StdEncoding.EncodeToString(payload))
}
