// Package realtime maintains client-side mirrors of server-side record sets.
// A Subscription fetches a table once through the query API, then applies
// pushed change events to its local copy in delivery order.
//
// Update and delete events are matched against local records by serialized
// equality with the event's old snapshot unless a key column is declared.
// If the backend pushes partial old snapshots, equality matching misses and
// the event is dropped; declare a key column for tables where that matters.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/models"
	"storepulse/internal/query"
	"storepulse/internal/store"
)

// ErrClosed is returned when a closed subscription is refreshed
var ErrClosed = errors.New("subscription is closed")

// Fetcher performs the initial and manual read queries
type Fetcher interface {
	Query(ctx context.Context, schema, table string, opts query.Options) ([]models.Record, error)
}

// Bus delivers pushed change events
type Bus interface {
	Subscribe(subject string, handler func(data []byte)) (store.Channel, error)
	Flush() error
	IsConnected() bool
}

// Options control one subscription
type Options struct {
	Events       models.EventType // event types to apply; empty or EventAny = all
	Filter       string           // equality filter, "column=op.value"
	FetchInitial bool             // populate state once before subscribing
	Columns      []string
	OrderBy      string
	Descending   bool
	Limit        int
	PrimaryKey   string // declared key column; empty = serialized equality matching
	OnEvent      func(models.ChangeEvent)
}

// Subscription mirrors one server-side record set
type Subscription struct {
	schema  string
	table   string
	opts    Options
	filter  *query.Filter
	fetcher Fetcher
	bus     Bus
	logger  *logrus.Logger

	mu         sync.Mutex
	ch         store.Channel
	records    []models.Record
	acked      bool
	closed     bool
	lastUpdate time.Time
	lastErr    error
}

// Open creates the subscription, performs the initial fetch if requested and
// subscribes to the table's change subject. Fetch and channel failures are
// non-fatal: they are recorded on the subscription, which starts (or stays)
// disconnected. Only malformed options produce an error.
func Open(ctx context.Context, fetcher Fetcher, bus Bus, schema, table string, opts Options, logger *logrus.Logger) (*Subscription, error) {
	var filter *query.Filter
	if opts.Filter != "" {
		f, err := query.ParseFilter(opts.Filter)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	s := &Subscription{
		schema:  schema,
		table:   table,
		opts:    opts,
		filter:  filter,
		fetcher: fetcher,
		bus:     bus,
		logger:  logger,
	}

	if opts.FetchInitial {
		if err := s.Refresh(ctx); err != nil {
			logger.Warnf("Initial fetch for %s.%s failed: %v", schema, table, err)
		}
	}

	subject := "changes." + schema + "." + table
	ch, err := bus.Subscribe(subject, s.handle)
	if err != nil {
		logger.Warnf("Failed to open change channel for %s.%s: %v", schema, table, err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return s, nil
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	// Connected only once the broker has confirmed the subscription
	if err := bus.Flush(); err != nil {
		logger.Warnf("Change channel for %s.%s not confirmed: %v", schema, table, err)
	} else {
		s.mu.Lock()
		s.acked = true
		s.mu.Unlock()
	}

	return s, nil
}

// Records returns a snapshot of the mirrored record set. Each record is
// cloned so callers cannot mutate the mirror through the returned maps.
func (s *Subscription) Records() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Record, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

// Connected reports whether the broker has confirmed the subscription and
// the channel connection is still up
func (s *Subscription) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked && !s.closed && s.bus.IsConnected()
}

// LastUpdate is the time of the last fetch or applied event
func (s *Subscription) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Err returns the last fetch error, nil after a successful fetch
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Refresh re-runs the read query and replaces local state with the result
func (s *Subscription) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	records, err := s.fetcher.Query(ctx, s.schema, s.table, query.Options{
		Columns:    s.opts.Columns,
		Filter:     s.opts.Filter,
		OrderBy:    s.opts.OrderBy,
		Descending: s.opts.Descending,
		Limit:      s.opts.Limit,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err != nil {
		s.lastErr = err
		return err
	}
	s.records = records
	s.lastErr = nil
	s.lastUpdate = time.Now()
	return nil
}

// Close unsubscribes from the change channel. Local state stops mutating
// even if the server keeps emitting events for the table.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.acked = false
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	if ch != nil {
		return ch.Unsubscribe()
	}
	return nil
}

// handle decodes and applies one pushed change event
func (s *Subscription) handle(data []byte) {
	var event models.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warnf("Dropping undecodable change event for %s.%s: %v", s.schema, s.table, err)
		return
	}

	s.mu.Lock()
	if s.closed || !s.wants(event) {
		s.mu.Unlock()
		return
	}
	s.apply(event)
	s.lastUpdate = time.Now()
	cb := s.opts.OnEvent
	s.mu.Unlock()

	if cb != nil {
		cb(event)
	}
}

// wants applies the event-type and equality filters. The filter is evaluated
// against the new snapshot for inserts and updates and against the old
// snapshot for deletes.
func (s *Subscription) wants(event models.ChangeEvent) bool {
	if s.opts.Events != "" && s.opts.Events != models.EventAny && s.opts.Events != event.Type {
		return false
	}
	if s.filter == nil {
		return true
	}
	target := event.Record
	if event.Type == models.EventDelete {
		target = event.OldRecord
	}
	return target != nil && s.filter.Match(target)
}

func (s *Subscription) apply(event models.ChangeEvent) {
	switch event.Type {
	case models.EventInsert:
		if event.Record == nil {
			return
		}
		// New records go to the head, without de-duplication
		s.records = append([]models.Record{event.Record}, s.records...)

	case models.EventUpdate:
		idx := s.match(event)
		if idx < 0 {
			s.logger.Debugf("Update for %s.%s matched no local record, ignoring", s.schema, s.table)
			return
		}
		s.records[idx] = event.Record

	case models.EventDelete:
		kept := s.records[:0]
		for _, rec := range s.records {
			if !s.matchesOld(rec, event) {
				kept = append(kept, rec)
			}
		}
		s.records = kept

	default:
		s.logger.Debugf("Unhandled event type %q for %s.%s", event.Type, s.schema, s.table)
	}
}

// match locates the first local record the event's old snapshot refers to
func (s *Subscription) match(event models.ChangeEvent) int {
	for i, rec := range s.records {
		if s.matchesOld(rec, event) {
			return i
		}
	}
	return -1
}

func (s *Subscription) matchesOld(rec models.Record, event models.ChangeEvent) bool {
	if s.opts.PrimaryKey != "" {
		key := s.eventKey(event)
		if key == nil {
			return false
		}
		return reflect.DeepEqual(rec[s.opts.PrimaryKey], key)
	}
	return event.OldRecord != nil && models.RecordsEqual(rec, event.OldRecord)
}

// eventKey extracts the declared key value, preferring the old snapshot
func (s *Subscription) eventKey(event models.ChangeEvent) interface{} {
	if event.OldRecord != nil {
		if v, ok := event.OldRecord[s.opts.PrimaryKey]; ok {
			return v
		}
	}
	if event.Record != nil {
		return event.Record[s.opts.PrimaryKey]
	}
	return nil
}
