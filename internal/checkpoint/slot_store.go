package checkpoint

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"pg-replicator/internal/lsn"
)

// SlotStore reads the resume position from the replication slot's
// confirmed_flush_lsn. Save is a no-op: the Standby Status Update feedback
// already persists progress in Postgres.
type SlotStore struct {
	databaseURL string
	slotName    string
}

func NewSlotStore(databaseURL, slotName string) *SlotStore {
	return &SlotStore{
		databaseURL: databaseURL,
		slotName:    slotName,
	}
}

func (s *SlotStore) Load(ctx context.Context) (lsn.LSN, error) {
	conn, err := pgconn.Connect(ctx, s.databaseURL)
	if err != nil {
		return 0, fmt.Errorf("slot store connect: %w", err)
	}
	defer conn.Close(ctx)

	result := conn.ExecParams(
		ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		[][]byte{[]byte(s.slotName)},
		nil,
		nil,
		nil,
	)

	var raw string
	for result.NextRow() {
		if val := result.Values()[0]; val != nil {
			raw = string(val)
		}
	}
	if _, err := result.Close(); err != nil {
		return 0, fmt.Errorf("slot store query: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	pos, err := lsn.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("slot confirmed_flush_lsn: %w", err)
	}
	return pos, nil
}

func (s *SlotStore) Save(_ context.Context, _ lsn.LSN) error {
	return nil
}
