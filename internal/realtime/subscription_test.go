package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"storepulse/internal/models"
	"storepulse/internal/query"
	"storepulse/internal/store"
)

type fakeChannel struct {
	unsubscribed bool
}

func (c *fakeChannel) Unsubscribe() error {
	c.unsubscribed = true
	return nil
}

type fakeBus struct {
	handler   func([]byte)
	subject   string
	connected bool
	flushErr  error
	subErr    error
	ch        *fakeChannel
}

func (b *fakeBus) Subscribe(subject string, handler func(data []byte)) (store.Channel, error) {
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.subject = subject
	b.handler = handler
	b.ch = &fakeChannel{}
	return b.ch, nil
}

func (b *fakeBus) Flush() error      { return b.flushErr }
func (b *fakeBus) IsConnected() bool { return b.connected }

// emit pushes an event through the subscription's handler, wire-encoded
func (b *fakeBus) emit(t *testing.T, event models.ChangeEvent) {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	b.handler(data)
}

type fakeFetcher struct {
	records []models.Record
	err     error
	calls   int
}

func (f *fakeFetcher) Query(ctx context.Context, schema, table string, opts query.Options) ([]models.Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func open(t *testing.T, fetcher *fakeFetcher, bus *fakeBus, opts Options) *Subscription {
	t.Helper()
	s, err := Open(context.Background(), fetcher, bus, "public", "orders", opts, testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return s
}

// decoded JSON numbers are float64; fixtures use the same representation
func rec(id float64, status string) models.Record {
	return models.Record{"id": id, "status": status}
}

func TestInsertPrepends(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Schema: "public", Table: "orders", Record: rec(2, "pending")})

	records := s.Records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["id"] != float64(2) {
		t.Errorf("new record should be at the head, got %v", records[0])
	}

	// Identical inserts are not de-duplicated
	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Record: rec(2, "pending")})
	if got := len(s.Records()); got != 3 {
		t.Errorf("got %d records after duplicate insert, want 3", got)
	}
}

func TestUpdateReplacesMatchInPlace(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	bus.emit(t, models.ChangeEvent{
		Type:      models.EventUpdate,
		OldRecord: rec(1, "pending"),
		Record:    rec(1, "done"),
	})

	records := s.Records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0]["status"] != "done" {
		t.Errorf("record not updated: %v", records[0])
	}
}

func TestUpdateWithoutMatchIsIgnored(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	// Old snapshot does not equal any local record (different status)
	bus.emit(t, models.ChangeEvent{
		Type:      models.EventUpdate,
		OldRecord: rec(1, "shipped"),
		Record:    rec(1, "done"),
	})

	records := s.Records()
	if len(records) != 1 || records[0]["status"] != "pending" {
		t.Errorf("list should be unchanged, got %v", records)
	}
}

func TestDeleteRemovesAllMatches(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{
		rec(1, "pending"),
		rec(2, "done"),
		rec(1, "pending"), // duplicate, also removed
	}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	bus.emit(t, models.ChangeEvent{Type: models.EventDelete, OldRecord: rec(1, "pending")})

	records := s.Records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0]["id"] != float64(2) {
		t.Errorf("non-matching record should be retained, got %v", records[0])
	}
}

func TestPrimaryKeyMatching(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending"), rec(2, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true, PrimaryKey: "id"})

	// Partial old snapshot: only the key column. Serialized equality would
	// miss this; key matching must not.
	bus.emit(t, models.ChangeEvent{
		Type:      models.EventUpdate,
		OldRecord: models.Record{"id": float64(1)},
		Record:    rec(1, "done"),
	})

	records := s.Records()
	if records[0]["status"] != "done" {
		t.Errorf("key-matched update not applied: %v", records[0])
	}

	bus.emit(t, models.ChangeEvent{
		Type:      models.EventDelete,
		OldRecord: models.Record{"id": float64(2)},
	})
	if got := len(s.Records()); got != 1 {
		t.Errorf("got %d records after key delete, want 1", got)
	}
}

func TestCloseStopsMutation(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	if !s.Connected() {
		t.Fatal("subscription should be connected after flush")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if s.Connected() {
		t.Error("closed subscription must report disconnected")
	}
	if !bus.ch.unsubscribed {
		t.Error("channel was not unsubscribed")
	}

	// Server keeps emitting for the table; state must not change
	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Record: rec(9, "new")})
	if got := len(s.Records()); got != 1 {
		t.Errorf("got %d records after close, want 1", got)
	}

	if err := s.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("refresh after close = %v, want ErrClosed", err)
	}
}

func TestInitialFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("boom")}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	if got := len(s.Records()); got != 0 {
		t.Errorf("got %d records, want 0", got)
	}
	if s.Err() == nil {
		t.Error("fetch error should be exposed")
	}
	// The push channel itself still establishes
	if !s.Connected() {
		t.Error("channel should still connect after a failed fetch")
	}

	// Manual refresh recovers once the fetcher does
	fetcher.err = nil
	fetcher.records = []models.Record{rec(1, "pending")}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if s.Err() != nil {
		t.Errorf("error should clear on success, got %v", s.Err())
	}
	if got := len(s.Records()); got != 1 {
		t.Errorf("got %d records after refresh, want 1", got)
	}
}

func TestChannelNotConfirmed(t *testing.T) {
	fetcher := &fakeFetcher{}
	bus := &fakeBus{connected: true, flushErr: errors.New("no broker")}
	s := open(t, fetcher, bus, Options{})

	if s.Connected() {
		t.Error("unconfirmed subscription must not report connected")
	}
}

func TestEventTypeFilter(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true, Events: models.EventDelete})

	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Record: rec(2, "new")})
	if got := len(s.Records()); got != 1 {
		t.Errorf("insert should be filtered out, got %d records", got)
	}

	bus.emit(t, models.ChangeEvent{Type: models.EventDelete, OldRecord: rec(1, "pending")})
	if got := len(s.Records()); got != 0 {
		t.Errorf("delete should be applied, got %d records", got)
	}
}

func TestEqualityFilter(t *testing.T) {
	fetcher := &fakeFetcher{}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{Filter: "status=eq.pending"})

	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Record: rec(1, "done")})
	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Record: rec(2, "pending")})

	records := s.Records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0]["id"] != float64(2) {
		t.Errorf("wrong record kept: %v", records[0])
	}
}

func TestBadFilterRejectedAtOpen(t *testing.T) {
	_, err := Open(context.Background(), &fakeFetcher{}, &fakeBus{}, "public", "orders",
		Options{Filter: "nonsense"}, testLogger())
	if err == nil {
		t.Fatal("expected error for malformed filter")
	}
}

func TestOnEventCallback(t *testing.T) {
	fetcher := &fakeFetcher{}
	bus := &fakeBus{connected: true}

	var seen []models.ChangeEvent
	var s *Subscription
	s = open(t, fetcher, bus, Options{OnEvent: func(ev models.ChangeEvent) {
		// Callers may read state from the callback
		_ = s.Records()
		seen = append(seen, ev)
	}})

	bus.emit(t, models.ChangeEvent{Type: models.EventInsert, Record: rec(1, "pending")})

	if len(seen) != 1 || seen[0].Type != models.EventInsert {
		t.Errorf("callback not invoked with the raw event: %v", seen)
	}
	if s.LastUpdate().IsZero() {
		t.Error("last-update timestamp not set")
	}
}

func TestSubscribeSubject(t *testing.T) {
	bus := &fakeBus{connected: true}
	open(t, &fakeFetcher{}, bus, Options{})
	if bus.subject != "changes.public.orders" {
		t.Errorf("subject = %q", bus.subject)
	}
}

func TestRecordsSnapshotIsolated(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	snapshot := s.Records()
	snapshot[0]["status"] = "mangled"

	records := s.Records()
	if records[0]["status"] != "pending" {
		t.Errorf("mutating a snapshot leaked into the mirror: %v", records[0])
	}

	// Matching still works against the untouched internal state
	bus.emit(t, models.ChangeEvent{Type: models.EventDelete, OldRecord: rec(1, "pending")})
	if got := len(s.Records()); got != 0 {
		t.Errorf("got %d records after delete, want 0", got)
	}
}

func TestUndecodableEventDropped(t *testing.T) {
	fetcher := &fakeFetcher{records: []models.Record{rec(1, "pending")}}
	bus := &fakeBus{connected: true}
	s := open(t, fetcher, bus, Options{FetchInitial: true})

	bus.handler([]byte("not json"))
	if got := len(s.Records()); got != 1 {
		t.Errorf("state changed on undecodable event: %d records", got)
	}
}
