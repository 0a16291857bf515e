package publisher

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"pg-replicator/internal/model"
)

// Publisher pushes decoded change events downstream.
type Publisher interface {
	Connect() error
	Publish(ctx context.Context, subject string, data []byte) error
	PublishWithRetries(ctx context.Context, subject string, data []byte, maxRetries int) error
	Close() error
}

// SubjectForEvent builds the NATS subject for an event:
// wal.<database>.<schema>.<table>.<operation>. Transaction markers have no
// table and publish under wal.<database>.tx.<operation>.
func SubjectForEvent(database string, evt *model.ChangeEvent) (string, error) {
	if evt == nil {
		return "", fmt.Errorf("nil event")
	}
	if database == "" {
		return "", fmt.Errorf("empty database")
	}
	op := strings.ToLower(string(evt.Operation))
	if op == "" {
		return "", fmt.Errorf("event has no operation")
	}
	if evt.Table == "" {
		return sanitizeSubject(fmt.Sprintf("wal.%s.tx.%s", database, op)), nil
	}
	schema := evt.Schema
	if schema == "" {
		schema = "public"
	}
	return sanitizeSubject(fmt.Sprintf("wal.%s.%s.%s.%s", database, schema, evt.Table, op)), nil
}

// EncodeEvent serializes an event for publication.
func EncodeEvent(evt *model.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// sanitizeSubject replaces spaces and the NATS wildcards * and > with
// underscores. Dots are left as they are.
func sanitizeSubject(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '>':
			return '_'
		default:
			return r
		}
	}, s)
}

// NoopPublisher discards everything; used when no NATS URLs are configured.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Connect() error { return nil }
func (p *NoopPublisher) Close() error   { return nil }

func (p *NoopPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return nil
}

func (p *NoopPublisher) PublishWithRetries(ctx context.Context, subject string, data []byte, maxRetries int) error {
	return nil
}
