package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"pg-replicator/internal/lsn"
)

// fakeDriver stubs every driver seam so sessions run without a server.
type fakeDriver struct {
	serverVersion     string
	integerDatetimes  string
	identity          pglogrepl.IdentifySystemResult
	identityErr       error
	statusIntervalGUC string

	frames   []pgproto3.BackendMessage
	frameIdx int

	execSQL    []string
	startCalls []startCall
	feedback   []pglogrepl.StandbyStatusUpdate
	closed     int
	connectErr error
	startErr   error
}

type startCall struct {
	slot     string
	startLSN pglogrepl.LSN
	options  pglogrepl.StartReplicationOptions
}

func newFakeDriver(t *testing.T) *fakeDriver {
	return &fakeDriver{
		serverVersion:     "16.3 (Debian 16.3-1.pgdg120+1)",
		integerDatetimes:  "on",
		statusIntervalGUC: "10s",
		identity: pglogrepl.IdentifySystemResult{
			SystemID: "7000000000000000001",
			Timeline: 1,
			XLogPos:  pglogrepl.LSN(0x100),
			DBName:   "db1",
		},
	}
}

func (d *fakeDriver) install(t *testing.T) {
	t.Helper()

	origConnect := connectConfig
	origIdentify := identifySystem
	origStart := startReplication
	origSend := sendStandbyStatusUpdate
	origReceive := receiveMessage
	origParam := serverParameter
	origExec := execSimple
	origClose := closeConn
	t.Cleanup(func() {
		connectConfig = origConnect
		identifySystem = origIdentify
		startReplication = origStart
		sendStandbyStatusUpdate = origSend
		receiveMessage = origReceive
		serverParameter = origParam
		execSimple = origExec
		closeConn = origClose
	})

	connectConfig = func(ctx context.Context, cfg *pgconn.Config) (*pgconn.PgConn, error) {
		if d.connectErr != nil {
			return nil, d.connectErr
		}
		return &pgconn.PgConn{}, nil
	}
	identifySystem = func(ctx context.Context, conn *pgconn.PgConn) (pglogrepl.IdentifySystemResult, error) {
		if d.identityErr != nil {
			return pglogrepl.IdentifySystemResult{}, d.identityErr
		}
		return d.identity, nil
	}
	startReplication = func(ctx context.Context, conn *pgconn.PgConn, slot string, startLSN pglogrepl.LSN, options pglogrepl.StartReplicationOptions) error {
		d.startCalls = append(d.startCalls, startCall{slot: slot, startLSN: startLSN, options: options})
		return d.startErr
	}
	sendStandbyStatusUpdate = func(ctx context.Context, conn *pgconn.PgConn, ssu pglogrepl.StandbyStatusUpdate) error {
		d.feedback = append(d.feedback, ssu)
		return nil
	}
	receiveMessage = func(ctx context.Context, conn *pgconn.PgConn) (pgproto3.BackendMessage, error) {
		if d.frameIdx >= len(d.frames) {
			return nil, errors.New("fake driver: out of frames")
		}
		msg := d.frames[d.frameIdx]
		d.frameIdx++
		return msg, nil
	}
	serverParameter = func(conn *pgconn.PgConn, name string) string {
		switch name {
		case "server_version":
			return d.serverVersion
		case "integer_datetimes":
			return d.integerDatetimes
		}
		return ""
	}
	execSimple = func(ctx context.Context, conn *pgconn.PgConn, sql string) ([]*pgconn.Result, error) {
		d.execSQL = append(d.execSQL, sql)
		switch sql {
		case "SHOW wal_receiver_status_interval":
			return []*pgconn.Result{{Rows: [][][]byte{{[]byte(d.statusIntervalGUC)}}}}, nil
		default:
			return []*pgconn.Result{{Rows: [][][]byte{{[]byte("")}}}}, nil
		}
	}
	closeConn = func(ctx context.Context, conn *pgconn.PgConn) error {
		d.closed++
		return nil
	}
}

var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func pgMicros(t time.Time) uint64 {
	return uint64(t.Sub(pgEpoch).Microseconds())
}

func keepaliveFrame(serverLSN lsn.LSN, sent time.Time, replyRequested bool) *pgproto3.CopyData {
	buf := make([]byte, 18)
	buf[0] = pglogrepl.PrimaryKeepaliveMessageByteID
	binary.BigEndian.PutUint64(buf[1:], uint64(serverLSN))
	binary.BigEndian.PutUint64(buf[9:], pgMicros(sent))
	if replyRequested {
		buf[17] = 1
	}
	return &pgproto3.CopyData{Data: buf}
}

func xlogFrame(walStart, serverLSN lsn.LSN, sent time.Time, payload string) *pgproto3.CopyData {
	buf := make([]byte, 25+len(payload))
	buf[0] = pglogrepl.XLogDataByteID
	binary.BigEndian.PutUint64(buf[1:], uint64(walStart))
	binary.BigEndian.PutUint64(buf[9:], uint64(serverLSN))
	binary.BigEndian.PutUint64(buf[17:], pgMicros(sent))
	copy(buf[25:], payload)
	return &pgproto3.CopyData{Data: buf}
}

func testSettings(overrides map[string]any) map[string]any {
	m := map[string]any{
		"host":            "localhost",
		"dbname":          "db1",
		"slot":            "test_slot",
		"status_interval": time.Hour,
	}
	for k, v := range overrides {
		m[k] = v
	}
	return m
}

func newTestReplicator(t *testing.T, overrides map[string]any) *Replicator {
	t.Helper()
	r, err := New(testSettings(overrides), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func collectPayloads(dst *[][]byte) MessageFunc {
	return func(data []byte) error {
		if data != nil {
			*dst = append(*dst, data)
		}
		return nil
	}
}

func assertAck(t *testing.T, ssu pglogrepl.StandbyStatusUpdate, want lsn.LSN) {
	t.Helper()
	ack := pglogrepl.LSN(want)
	if ssu.WALWritePosition != ack || ssu.WALFlushPosition != ack || ssu.WALApplyPosition != ack {
		t.Fatalf("ack mismatch: got write=%s flush=%s apply=%s want %s",
			ssu.WALWritePosition, ssu.WALFlushPosition, ssu.WALApplyPosition, ack)
	}
}
