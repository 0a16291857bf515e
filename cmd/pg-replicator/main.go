package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pg-replicator/internal/checkpoint"
	"pg-replicator/internal/config"
	"pg-replicator/internal/decode"
	"pg-replicator/internal/health"
	"pg-replicator/internal/logging"
	"pg-replicator/internal/lsn"
	"pg-replicator/internal/metrics"
	"pg-replicator/internal/publisher"
	"pg-replicator/internal/replication"
)

var cli struct {
	DatabaseURL    string        `help:"PostgreSQL conninfo URL or DSN."`
	Slot           string        `help:"Logical replication slot to stream from." short:"s"`
	Startpos       string        `help:"Start LSN (HH/LL or integer); empty resumes from the slot."`
	Endpos         string        `help:"Stop once progress crosses this LSN; empty streams forever."`
	Timeline       int           `help:"Require this server timeline."`
	Systemid       string        `help:"Require this server systemid."`
	StatusInterval time.Duration `help:"Standby status update cadence; 0 uses the server default."`
	Debug          bool          `help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("pg-replicator"),
		kong.Description("Streams a PostgreSQL logical replication slot to NATS JetStream."))

	cfg := applyFlags(config.Load())

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	health.Start(ctx, cfg.HealthAddr, logger)

	store, cleanup := newCheckpointStore(cfg, logger)
	defer cleanup()
	ckpt := checkpoint.NewManager(store, cfg.SaveInterval, logger)

	startPos := resolveStartPosition(ctx, cfg, store, logger)

	connStr, err := replicationConnString(cfg, startPos)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}
	repl, err := replication.NewFromConnString(connStr, logger)
	if err != nil {
		logger.Error("invalid replication settings", zap.Error(err))
		os.Exit(1)
	}

	pub := buildPublisher(cfg, logger)
	if err := pub.Connect(); err != nil {
		logger.Error("publisher connect failed", zap.Error(err))
		os.Exit(1)
	}
	defer pub.Close()

	logger.Info("starting pg-replicator",
		zap.String("slot", cfg.Slot),
		zap.String("start_position", startPos.String()),
		zap.Bool("debug", cfg.Debug))

	prom := metrics.GlobalMetrics
	handler := func(data []byte) error {
		if data == nil {
			// Feedback heartbeat: the engine just acked last_processed+1,
			// mirror the consumer's durable checkpoint.
			prom.FeedbackSent.Inc()
			pos := repl.LastProcessedLSN()
			prom.ProcessedLSN.Set(int64(pos))
			if err := ckpt.MaybeSave(ctx, pos, time.Now()); err != nil {
				logger.Warn("checkpoint save failed", zap.Error(err))
			} else if pos != 0 {
				prom.CheckpointsSaved.Inc()
			}
			return nil
		}

		prom.WALMessages.Inc()
		evt, err := decode.Message(repl.LastReceivedLSN(), data)
		if err != nil {
			prom.DecodeErrors.Inc()
			logger.Warn("decode failed", zap.Error(err))
			return nil
		}
		subject, err := publisher.SubjectForEvent(repl.Database(), evt)
		if err != nil {
			return fmt.Errorf("build subject: %w", err)
		}
		payload, err := publisher.EncodeEvent(evt)
		if err != nil {
			return err
		}
		if err := pub.PublishWithRetries(ctx, subject, payload, 3); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		prom.ServerLSN.Set(int64(repl.LastServerLSN()))
		prom.ReceivedLSN.Set(int64(repl.LastReceivedLSN()))
		if sent := repl.LastMessageSendTime(); !sent.IsZero() {
			prom.ReplicationLag.Set(time.Since(sent).Milliseconds())
		}
		return nil
	}

	if err := repl.Replicate(ctx, handler); err != nil && ctx.Err() == nil {
		logger.Error("replication stopped", zap.Error(err))
		os.Exit(1)
	}
	walMessages, keepalives, feedbacks := repl.Stats()
	logger.Info("replication finished",
		zap.String("last_processed", repl.LastProcessedLSN().String()),
		zap.String("last_server", repl.LastServerLSN().String()),
		zap.Uint64("wal_messages", walMessages),
		zap.Uint64("keepalives", keepalives),
		zap.Uint64("feedbacks", feedbacks))
}

func applyFlags(cfg config.Config) config.Config {
	if cli.DatabaseURL != "" {
		cfg.DatabaseURL = cli.DatabaseURL
	}
	if cli.Slot != "" {
		cfg.Slot = cli.Slot
	}
	if cli.Startpos != "" {
		cfg.StartPosition = cli.Startpos
	}
	if cli.Endpos != "" {
		cfg.EndPosition = cli.Endpos
	}
	if cli.Timeline != 0 {
		cfg.Timeline = cli.Timeline
	}
	if cli.Systemid != "" {
		cfg.SystemID = cli.Systemid
	}
	if cli.StatusInterval != 0 {
		cfg.StatusInterval = cli.StatusInterval
	}
	if cli.Debug {
		cfg.Debug = true
	}
	return cfg
}

// replicationConnString folds the replication settings into the conninfo as
// the reserved keys the engine strips back out.
func replicationConnString(cfg config.Config, startPos lsn.LSN) (string, error) {
	reserved := map[string]string{
		"slot": cfg.Slot,
	}
	if startPos != 0 {
		reserved["startpos"] = startPos.String()
	}
	if cfg.EndPosition != "" {
		reserved["endpos"] = cfg.EndPosition
	}
	if cfg.Timeline != 0 {
		reserved["timeline"] = strconv.Itoa(cfg.Timeline)
	}
	if cfg.SystemID != "" {
		reserved["systemid"] = cfg.SystemID
	}
	if cfg.StatusInterval != 0 {
		reserved["status_interval"] = cfg.StatusInterval.String()
	}
	if len(cfg.PluginOptions) > 0 {
		opts := make([]string, 0, len(cfg.PluginOptions))
		for k, v := range cfg.PluginOptions {
			opts = append(opts, k+"="+v)
		}
		sort.Strings(opts)
		reserved["options"] = strings.Join(opts, ",")
	}

	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return "", fmt.Errorf("parse database url: %w", err)
		}
		q := u.Query()
		for k, v := range reserved {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	var b strings.Builder
	b.WriteString(cfg.DatabaseURL)
	for k, v := range reserved {
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String(), nil
}

// resolveStartPosition prefers an explicit position, then the durable
// checkpoint; zero lets the server resume from confirmed_flush_lsn.
func resolveStartPosition(ctx context.Context, cfg config.Config, store checkpoint.Store, logger *zap.Logger) lsn.LSN {
	if cfg.StartPosition != "" {
		pos, err := lsn.Parse(cfg.StartPosition)
		if err != nil {
			logger.Warn("invalid start position, deferring to the slot", zap.String("value", cfg.StartPosition), zap.Error(err))
			return 0
		}
		return pos
	}
	pos, err := store.Load(ctx)
	if err != nil {
		logger.Warn("checkpoint load failed, deferring to the slot", zap.Error(err))
		return 0
	}
	return pos
}

func buildPublisher(cfg config.Config, logger *zap.Logger) publisher.Publisher {
	if len(cfg.NATSURLs) == 0 {
		logger.Warn("NATS URLs missing, using noop publisher")
		return publisher.NewNoopPublisher()
	}
	return publisher.NewJetStreamPublisher(publisher.JetStreamOptions{
		URLs:           cfg.NATSURLs,
		Username:       cfg.NATSUsername,
		Password:       cfg.NATSPassword,
		ConnectTimeout: cfg.NATSTimeout,
		PublishTimeout: cfg.NATSTimeout,
	}, logger)
}

// newCheckpointStore builds the Redis-backed store, falling back to the
// slot-backed reader when Redis is unavailable.
func newCheckpointStore(cfg config.Config, logger *zap.Logger) (checkpoint.Store, func()) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis url, using slot store", zap.String("url", cfg.RedisURL), zap.Error(err))
		return checkpoint.NewSlotStore(cfg.DatabaseURL, cfg.Slot), func() {}
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.NATSTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using slot store", zap.Error(err))
		_ = client.Close()
		return checkpoint.NewSlotStore(cfg.DatabaseURL, cfg.Slot), func() {}
	}
	return checkpoint.NewRedisStore(client, cfg.CheckpointKey, cfg.CheckpointTTL), func() { _ = client.Close() }
}
