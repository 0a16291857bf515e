package replication

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestPreStartState(t *testing.T) {
	r := newTestReplicator(t, nil)

	if r.LastServerLSN() != 0 || r.LastReceivedLSN() != 0 || r.LastProcessedLSN() != 0 {
		t.Fatalf("expected zero LSN state before replicate, got server=%s received=%s processed=%s",
			r.LastServerLSN(), r.LastReceivedLSN(), r.LastProcessedLSN())
	}
	if !r.LastMessageSendTime().IsZero() {
		t.Fatalf("expected zero send time, got %s", r.LastMessageSendTime())
	}
	if !r.LastStatus().IsZero() {
		t.Fatalf("expected zero last status, got %s", r.LastStatus())
	}
	if r.Connected() {
		t.Fatal("expected no connection before replicate")
	}
}

func TestInitializeReplication_AdoptsServerIdentity(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r := newTestReplicator(t, nil)
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}

	if r.SystemID() != "7000000000000000001" {
		t.Fatalf("systemid not adopted: %q", r.SystemID())
	}
	if r.Timeline() != 1 {
		t.Fatalf("timeline not adopted: %d", r.Timeline())
	}
	if r.Database() != "db1" {
		t.Fatalf("dbname mismatch: %q", r.Database())
	}
	if !r.Connected() {
		t.Fatal("expected live connection after bootstrap")
	}
	if len(d.startCalls) != 1 {
		t.Fatalf("expected 1 START_REPLICATION, got %d", len(d.startCalls))
	}
	if d.startCalls[0].slot != "test_slot" {
		t.Fatalf("wrong slot: %q", d.startCalls[0].slot)
	}
	if d.startCalls[0].options.Mode != pglogrepl.LogicalReplication {
		t.Fatalf("wrong mode: %v", d.startCalls[0].options.Mode)
	}
}

func TestInitializeReplication_SecondCallIsNoop(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r := newTestReplicator(t, nil)
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("second InitializeReplication: %v", err)
	}
	if len(d.startCalls) != 1 {
		t.Fatalf("expected handshake to run once, got %d START_REPLICATION calls", len(d.startCalls))
	}
}

func TestInitializeReplication_TimelineMismatch(t *testing.T) {
	d := newFakeDriver(t)
	d.identity.Timeline = 1
	d.install(t)

	r := newTestReplicator(t, map[string]any{"timeline": 2})
	err := r.InitializeReplication(context.Background())
	if err == nil {
		t.Fatal("expected timeline mismatch error")
	}
	if !strings.Contains(err.Error(), "Specified timeline: 2") || !strings.Contains(err.Error(), "Server timeline: 1") {
		t.Fatalf("error must name both timelines, got: %v", err)
	}
	if d.closed != 1 {
		t.Fatalf("connection must be closed on failure, closed=%d", d.closed)
	}
	if r.Connected() {
		t.Fatal("handle must be cleared on failure")
	}
}

func TestInitializeReplication_SystemIDMismatch(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r := newTestReplicator(t, map[string]any{"systemid": "2"})
	err := r.InitializeReplication(context.Background())
	if err == nil {
		t.Fatal("expected systemid mismatch error")
	}
	if !strings.Contains(err.Error(), "Specified systemid: 2") ||
		!strings.Contains(err.Error(), "Server systemid: 7000000000000000001") {
		t.Fatalf("error must name both systemids, got: %v", err)
	}
	if d.closed != 1 {
		t.Fatalf("connection must be closed on failure, closed=%d", d.closed)
	}
}

func TestInitializeReplication_DBNameMismatch(t *testing.T) {
	d := newFakeDriver(t)
	d.identity.DBName = "otherdb"
	d.install(t)

	r := newTestReplicator(t, nil) // settings carry dbname=db1
	err := r.InitializeReplication(context.Background())
	if err == nil {
		t.Fatal("expected dbname mismatch error")
	}
	if !strings.Contains(err.Error(), "db1") || !strings.Contains(err.Error(), "otherdb") {
		t.Fatalf("error must name both dbnames, got: %v", err)
	}
}

func TestInitializeReplication_AdoptsDBNameWhenUnset(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r, err := NewFromConnString("host=localhost slot=test_slot status_interval=1h", nil)
	if err != nil {
		t.Fatalf("NewFromConnString: %v", err)
	}
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	if r.Database() != "db1" {
		t.Fatalf("expected server dbname adopted, got %q", r.Database())
	}
}

func TestInitializeReplication_IntegerDatetimesRequired(t *testing.T) {
	d := newFakeDriver(t)
	d.integerDatetimes = "off"
	d.install(t)

	r := newTestReplicator(t, nil)
	err := r.InitializeReplication(context.Background())
	if err == nil || !strings.Contains(err.Error(), "integer_datetimes") {
		t.Fatalf("expected integer_datetimes error, got: %v", err)
	}
	if d.closed != 1 {
		t.Fatalf("connection must be closed on failure, closed=%d", d.closed)
	}
}

func TestInitializeReplication_SearchPathReset(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r := newTestReplicator(t, nil)
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	found := false
	for _, sql := range d.execSQL {
		if strings.Contains(sql, "set_config('search_path', '', false)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("search_path reset not executed, ran: %v", d.execSQL)
	}
}

func TestInitializeReplication_SkipsSearchPathOnOldServers(t *testing.T) {
	d := newFakeDriver(t)
	d.serverVersion = "9.6.24"
	d.install(t)

	r := newTestReplicator(t, nil)
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	for _, sql := range d.execSQL {
		if strings.Contains(sql, "set_config") {
			t.Fatalf("search_path reset should not run on pre-10 servers")
		}
	}
}

func TestInitializeReplication_StatusIntervalFromServer(t *testing.T) {
	d := newFakeDriver(t)
	d.statusIntervalGUC = "7s"
	d.install(t)

	r, err := New(map[string]any{
		"host":   "localhost",
		"dbname": "db1",
		"slot":   "test_slot",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	if r.StatusInterval() != 7*time.Second {
		t.Fatalf("expected status interval from server GUC, got %s", r.StatusInterval())
	}
}

func TestInitializeReplication_StartReplicationFailureClosesConn(t *testing.T) {
	d := newFakeDriver(t)
	d.startErr = errors.New("ERROR: replication slot \"test_slot\" does not exist")
	d.install(t)

	r := newTestReplicator(t, nil)
	err := r.InitializeReplication(context.Background())
	if err == nil || !strings.Contains(err.Error(), "START_REPLICATION") {
		t.Fatalf("expected START_REPLICATION error, got: %v", err)
	}
	if d.closed != 1 {
		t.Fatalf("connection must be closed on failure, closed=%d", d.closed)
	}
}

func TestInitializeReplication_PluginOptionsComposition(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r := newTestReplicator(t, map[string]any{
		"start_position": "1/0",
		"options": map[string]any{
			"include-timestamp": true,
			"skip-empty-xacts":  "on",
		},
	})
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	call := d.startCalls[0]
	if call.startLSN != pglogrepl.LSN(1)<<32 {
		t.Fatalf("wrong start LSN: %s", call.startLSN)
	}
	want := []string{`"include-timestamp" 'on'`, `"skip-empty-xacts" 'on'`}
	if len(call.options.PluginArgs) != len(want) {
		t.Fatalf("plugin args: got %v want %v", call.options.PluginArgs, want)
	}
	for i := range want {
		if call.options.PluginArgs[i] != want[i] {
			t.Fatalf("plugin args: got %v want %v", call.options.PluginArgs, want)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	d := newFakeDriver(t)
	d.install(t)

	r := newTestReplicator(t, nil)
	if err := r.InitializeReplication(context.Background()); err != nil {
		t.Fatalf("InitializeReplication: %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if d.closed != 1 {
		t.Fatalf("expected exactly one close, got %d", d.closed)
	}
	if r.Connected() {
		t.Fatal("expected handle cleared")
	}
}
