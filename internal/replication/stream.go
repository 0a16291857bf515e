package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

// Replicate runs one replication session: bootstrap if needed, then the
// receive loop until an exit condition fires or fn breaks out. One final
// feedback message is attempted on every exit path, and the connection is
// always released before Replicate returns.
func (r *Replicator) Replicate(ctx context.Context, fn MessageFunc) error {
	if fn == nil {
		return fmt.Errorf("nil message func")
	}
	if r.finished.Load() {
		return fmt.Errorf("replication session already consumed")
	}
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("replicate already in progress")
	}
	defer r.running.Store(false)

	if err := r.InitializeReplication(ctx); err != nil {
		return err
	}
	defer r.finished.Store(true)

	loopErr := r.streamLoop(ctx, fn)

	// The final ack lets the server trim WAL even after an abnormal exit.
	// Skip the consumer notification here; the session is over.
	if err := r.sendFeedback(ctx, nil); err != nil {
		r.logger.Warn("final standby status failed", zap.Error(err))
	}

	closeErr := r.Close(ctx)
	if loopErr != nil {
		if errors.Is(loopErr, ErrStopReplication) {
			return nil
		}
		return loopErr
	}
	return closeErr
}

func (r *Replicator) streamLoop(ctx context.Context, fn MessageFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Since(r.LastStatus()) >= r.cfg.statusInterval {
			if err := r.sendFeedback(ctx, fn); err != nil {
				return err
			}
		}

		if end := uint64(r.cfg.endPos); end != 0 && r.lastProcessedLSN.Load() >= end {
			return nil
		}

		// Bounded wait: wake up no later than the next feedback deadline so
		// an idle stream still acks on schedule.
		msgCtx, cancel := context.WithDeadline(ctx, r.LastStatus().Add(r.cfg.statusInterval))
		msg, err := receiveMessage(msgCtx, r.conn)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			exit, err := r.handleCopyData(ctx, m.Data, fn)
			if err != nil || exit {
				return err
			}
		case *pgproto3.CopyDone:
			// Server ended the stream; the terminal command result surfaces
			// when the connection is released.
			r.logger.Info("server ended replication stream")
			return nil
		case *pgproto3.ErrorResponse:
			return protocolError{fmt.Errorf("replication error response: %s", m.Message)}
		default:
			// NoticeResponse and ParameterStatus are legal mid-stream.
			r.logger.Debug("ignoring message", zap.String("type", fmt.Sprintf("%T", m)))
		}
	}
}

func (r *Replicator) handleCopyData(ctx context.Context, data []byte, fn MessageFunc) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return false, protocolError{fmt.Errorf("parse keepalive: %w", err)}
		}
		return r.handleKeepalive(ctx, pkm, fn)
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return false, protocolError{fmt.Errorf("parse xlog data: %w", err)}
		}
		return r.handleXLogData(ctx, xld, fn)
	default:
		return false, protocolError{fmt.Errorf("unknown replication message id %q", data[0])}
	}
}

func (r *Replicator) handleKeepalive(ctx context.Context, pkm pglogrepl.PrimaryKeepaliveMessage, fn MessageFunc) (bool, error) {
	r.keepalives.Inc()
	if pkm.ServerWALEnd != 0 {
		advance(&r.lastServerLSN, uint64(pkm.ServerWALEnd))
	}
	r.lastSendTime.Store(pkm.ServerTime.UnixMicro())
	if pkm.ReplyRequested {
		if err := r.sendFeedback(ctx, fn); err != nil {
			return false, err
		}
	}
	if end := uint64(r.cfg.endPos); end != 0 && r.lastServerLSN.Load() >= end {
		return true, nil
	}
	return false, nil
}

func (r *Replicator) handleXLogData(ctx context.Context, xld pglogrepl.XLogData, fn MessageFunc) (bool, error) {
	r.walMessages.Inc()
	if xld.WALStart != 0 {
		advance(&r.lastReceivedLSN, uint64(xld.WALStart))
	}
	if xld.ServerWALEnd != 0 {
		advance(&r.lastServerLSN, uint64(xld.ServerWALEnd))
	}
	r.lastSendTime.Store(xld.ServerTime.UnixMicro())

	if end := uint64(r.cfg.endPos); end != 0 && r.lastReceivedLSN.Load() > end {
		return true, nil
	}

	// The driver reuses its read buffer between frames; the consumer keeps
	// its own copy.
	payload := make([]byte, len(xld.WALData))
	copy(payload, xld.WALData)
	if err := fn(payload); err != nil {
		return false, err
	}
	advance(&r.lastProcessedLSN, r.lastReceivedLSN.Load())
	return false, nil
}

// sendFeedback writes one Standby Status Update acking everything strictly
// before last_processed+1, then notifies fn with a nil payload. A nil fn
// skips the notification.
func (r *Replicator) sendFeedback(ctx context.Context, fn MessageFunc) error {
	var ack pglogrepl.LSN
	if p := r.lastProcessedLSN.Load(); p != 0 {
		ack = pglogrepl.LSN(p + 1)
	}
	err := sendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: ack,
		WALFlushPosition: ack,
		WALApplyPosition: ack,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	r.lastStatus.Store(time.Now().UnixNano())
	r.feedbacks.Inc()
	if fn != nil {
		return fn(nil)
	}
	return nil
}

// advance stores v if it is ahead of the counter. The stream loop is the only
// writer, so load-then-store is safe.
func advance(c *atomic.Uint64, v uint64) {
	if v > c.Load() {
		c.Store(v)
	}
}
