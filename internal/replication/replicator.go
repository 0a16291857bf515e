package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"pg-replicator/internal/lsn"
	"pg-replicator/internal/metrics"
)

// ErrStopReplication is returned from a MessageFunc to stop the stream
// cleanly. Replicate treats it as a normal exit.
var ErrStopReplication = errors.New("stop replication")

// MessageFunc receives each WAL payload in server order. A nil payload marks
// a feedback cycle: a Standby Status Update was just sent. Returning
// ErrStopReplication ends the stream; any other error aborts it.
type MessageFunc func(data []byte) error

// protocolError marks failures that cannot be recovered within the session.
type protocolError struct {
	err error
}

func (e protocolError) Error() string {
	return e.err.Error()
}

func (e protocolError) Unwrap() error {
	return e.err
}

// Seams for driver calls, swapped out by tests so sessions run without a
// server.
var (
	connectConfig           = pgconn.ConnectConfig
	identifySystem          = pglogrepl.IdentifySystem
	startReplication        = pglogrepl.StartReplication
	sendStandbyStatusUpdate = pglogrepl.SendStandbyStatusUpdate

	receiveMessage = func(ctx context.Context, conn *pgconn.PgConn) (pgproto3.BackendMessage, error) {
		return conn.ReceiveMessage(ctx)
	}
	serverParameter = func(conn *pgconn.PgConn, name string) string {
		return conn.ParameterStatus(name)
	}
	execSimple = func(ctx context.Context, conn *pgconn.PgConn, sql string) ([]*pgconn.Result, error) {
		return conn.Exec(ctx, sql).ReadAll()
	}
	closeConn = func(ctx context.Context, conn *pgconn.PgConn) error {
		return conn.Close(ctx)
	}
)

// Replicator streams one logical replication session for one slot. It is
// single-shot: once Replicate returns, build a new instance to stream again.
type Replicator struct {
	cfg    *Config
	logger *zap.Logger

	conn     *pgconn.PgConn
	running  atomic.Bool
	finished atomic.Bool

	// Runtime progress counters, readable from other goroutines while the
	// loop runs. Each field is independently atomic; there is no cross-field
	// snapshot guarantee.
	lastServerLSN    atomic.Uint64
	lastReceivedLSN  atomic.Uint64
	lastProcessedLSN atomic.Uint64
	lastSendTime     atomic.Int64 // microseconds since the Unix epoch
	lastStatus       atomic.Int64 // nanoseconds since the Unix epoch

	walMessages *metrics.Counter
	keepalives  *metrics.Counter
	feedbacks   *metrics.Counter
}

// New builds a Replicator from a settings map. Reserved keys (slot,
// start_position/startpos, end_position/endpos, timeline, systemid,
// status_interval, options) configure the session; the rest becomes
// connection parameters. Empty and nil values are dropped.
func New(settings map[string]any, logger *zap.Logger) (*Replicator, error) {
	cfg, err := parseSettingsMap(settings)
	if err != nil {
		return nil, err
	}
	return newReplicator(cfg, logger), nil
}

// NewFromConnString builds a Replicator from a libpq-style conninfo string or
// URL. Reserved keys may appear as conninfo parameters (slot=... startpos=...).
func NewFromConnString(connString string, logger *zap.Logger) (*Replicator, error) {
	cfg, err := parseConnString(connString)
	if err != nil {
		return nil, err
	}
	return newReplicator(cfg, logger), nil
}

func newReplicator(cfg *Config, logger *zap.Logger) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		cfg:         cfg,
		logger:      logger,
		walMessages: metrics.NewCounter("wal_messages"),
		keepalives:  metrics.NewCounter("keepalives"),
		feedbacks:   metrics.NewCounter("feedback_sent"),
	}
}

// InitializeReplication opens the replication connection, verifies the
// session invariants and server identity, and issues START_REPLICATION. It is
// exposed separately so handshake failures can be observed without entering
// the stream loop. On any failure the connection is closed before the error
// surfaces.
func (r *Replicator) InitializeReplication(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	if r.cfg.connCfg.RuntimeParams["replication"] != "database" {
		return fmt.Errorf("connection must use replication=database")
	}
	conn, err := connectConfig(ctx, r.cfg.connCfg)
	if err != nil {
		return fmt.Errorf("connect replication: %w", err)
	}
	if err := r.bootstrap(ctx, conn); err != nil {
		_ = closeConn(ctx, conn)
		return err
	}
	r.conn = conn
	return nil
}

func (r *Replicator) bootstrap(ctx context.Context, conn *pgconn.PgConn) error {
	if major := serverVersionMajor(serverParameter(conn, "server_version")); major >= 10 {
		results, err := execSimple(ctx, conn, "SELECT pg_catalog.set_config('search_path', '', false)")
		if err != nil {
			return fmt.Errorf("reset search_path: %w", err)
		}
		if len(results) != 1 || len(results[0].Rows) != 1 {
			return fmt.Errorf("reset search_path: unexpected result")
		}
	}

	if v := serverParameter(conn, "integer_datetimes"); v != "on" {
		return fmt.Errorf("integer_datetimes must be on, server reports %q", v)
	}

	if r.cfg.statusInterval == 0 {
		interval, err := r.queryStatusInterval(ctx, conn)
		if err != nil {
			return err
		}
		r.cfg.statusInterval = interval
	}

	sys, err := identifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("IDENTIFY_SYSTEM: %w", err)
	}

	if r.cfg.systemID == "" {
		r.cfg.systemID = sys.SystemID
	} else if r.cfg.systemID != sys.SystemID {
		return fmt.Errorf("systemid mismatch. Specified systemid: %s. Server systemid: %s", r.cfg.systemID, sys.SystemID)
	}
	if r.cfg.timeline == 0 {
		r.cfg.timeline = sys.Timeline
	} else if r.cfg.timeline != sys.Timeline {
		return fmt.Errorf("timeline mismatch. Specified timeline: %d. Server timeline: %d", r.cfg.timeline, sys.Timeline)
	}
	if !r.cfg.dbnameSet {
		r.cfg.connCfg.Database = sys.DBName
	} else if r.cfg.connCfg.Database != sys.DBName {
		return fmt.Errorf("dbname mismatch. Specified dbname: %s. Server dbname: %s", r.cfg.connCfg.Database, sys.DBName)
	}

	startLSN := pglogrepl.LSN(r.cfg.startPos)
	err = startReplication(ctx, conn, r.cfg.slot, startLSN, pglogrepl.StartReplicationOptions{
		Mode:       pglogrepl.LogicalReplication,
		PluginArgs: r.cfg.pluginArgs(),
	})
	if err != nil {
		return protocolError{fmt.Errorf("START_REPLICATION SLOT %s LOGICAL %s: %w", quoteLiteral(r.cfg.slot), startLSN, err)}
	}

	r.logger.Info("replication started",
		zap.String("slot", r.cfg.slot),
		zap.String("start_lsn", startLSN.String()),
		zap.String("systemid", r.cfg.systemID),
		zap.Int32("timeline", r.cfg.timeline),
		zap.Duration("status_interval", r.cfg.statusInterval))
	return nil
}

// queryStatusInterval resolves the default feedback cadence from the server's
// wal_receiver_status_interval GUC.
func (r *Replicator) queryStatusInterval(ctx context.Context, conn *pgconn.PgConn) (time.Duration, error) {
	results, err := execSimple(ctx, conn, "SHOW wal_receiver_status_interval")
	if err != nil {
		return 0, fmt.Errorf("show wal_receiver_status_interval: %w", err)
	}
	if len(results) != 1 || len(results[0].Rows) != 1 || len(results[0].Rows[0]) != 1 {
		return 0, fmt.Errorf("show wal_receiver_status_interval: unexpected result")
	}
	d, err := parseGUCDuration(string(results[0].Rows[0][0]))
	if err != nil {
		return 0, fmt.Errorf("wal_receiver_status_interval: %w", err)
	}
	return d, nil
}

// Close releases the underlying connection. It is idempotent; closing an
// already-closed Replicator is a no-op.
func (r *Replicator) Close(ctx context.Context) error {
	if r.conn == nil {
		return nil
	}
	err := closeConn(ctx, r.conn)
	r.conn = nil
	return err
}

// Connected reports whether the replication connection is currently held.
func (r *Replicator) Connected() bool {
	return r.conn != nil
}

// LastServerLSN is the highest WAL flush position the server has reported.
func (r *Replicator) LastServerLSN() lsn.LSN {
	return lsn.LSN(r.lastServerLSN.Load())
}

// LastReceivedLSN is the WAL start position of the most recent data message.
func (r *Replicator) LastReceivedLSN() lsn.LSN {
	return lsn.LSN(r.lastReceivedLSN.Load())
}

// LastProcessedLSN is the position of the last payload the consumer accepted.
func (r *Replicator) LastProcessedLSN() lsn.LSN {
	return lsn.LSN(r.lastProcessedLSN.Load())
}

// LastMessageSendTime is the server-side send timestamp of the last message.
func (r *Replicator) LastMessageSendTime() time.Time {
	us := r.lastSendTime.Load()
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

// LastStatus is the wall-clock time of the most recent outgoing feedback.
func (r *Replicator) LastStatus() time.Time {
	ns := r.lastStatus.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *Replicator) Host() string                  { return r.cfg.connCfg.Host }
func (r *Replicator) Port() uint16                  { return r.cfg.connCfg.Port }
func (r *Replicator) Database() string              { return r.cfg.connCfg.Database }
func (r *Replicator) Slot() string                  { return r.cfg.slot }
func (r *Replicator) StartPosition() lsn.LSN        { return r.cfg.startPos }
func (r *Replicator) EndPosition() lsn.LSN          { return r.cfg.endPos }
func (r *Replicator) Timeline() int32               { return r.cfg.timeline }
func (r *Replicator) SystemID() string              { return r.cfg.systemID }
func (r *Replicator) StatusInterval() time.Duration { return r.cfg.statusInterval }

// Stats reports how many WAL data messages, keepalives, and feedback
// messages this session has seen.
func (r *Replicator) Stats() (walMessages, keepalives, feedbacks uint64) {
	return r.walMessages.Value(), r.keepalives.Value(), r.feedbacks.Value()
}

// PluginOptions returns a copy of the output plugin options.
func (r *Replicator) PluginOptions() map[string]string {
	out := make(map[string]string, len(r.cfg.pluginOptions))
	for k, v := range r.cfg.pluginOptions {
		out[k] = v
	}
	return out
}

func serverVersionMajor(version string) int {
	version = strings.TrimSpace(version)
	end := 0
	for end < len(version) && version[end] >= '0' && version[end] <= '9' {
		end++
	}
	major, err := strconv.Atoi(version[:end])
	if err != nil {
		return 0
	}
	return major
}

// parseGUCDuration reads a duration in the display format SHOW uses:
// an integer with one of the us/ms/s/min/h/d units, or bare seconds.
func parseGUCDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"us", time.Microsecond},
		{"ms", time.Millisecond},
		{"min", time.Minute},
		{"s", time.Second},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse duration %q: %w", s, err)
			}
			return time.Duration(n) * u.unit, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return time.Duration(n) * time.Second, nil
}
