// Package sink is the non-blocking durability layer: a single background
// writer consumes a bounded queue of SQL statements and applies them to
// per-path cached SQLite connections. Producers (history logging, request
// metrics) pay only a queue put, never disk I/O; on overflow the oldest
// item is shed, and on write failure the item is logged and dropped.
// Telemetry liveness beats forensic completeness here.
package sink

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultQueueSize bounds the statement queue.
const DefaultQueueSize = 256

// Item is one queued write: a statement bound for the database at DBPath.
type Item struct {
	DBPath string
	SQL    string
	Args   []any
}

// Sink runs the background writer. Create with New, stop with Close.
type Sink struct {
	queue    chan Item
	flushReq chan chan struct{}

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	closed bool

	done   chan struct{}
	logger *slog.Logger
}

// Option is a functional option for configuring a Sink.
type Option func(*Sink)

// WithLogger sets the logger for dropped writes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Sink and starts its writer goroutine. queueSize <= 0
// selects DefaultQueueSize.
func New(queueSize int, opts ...Option) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Sink{
		queue:    make(chan Item, queueSize),
		flushReq: make(chan chan struct{}),
		dbs:      make(map[string]*sql.DB),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

// Put enqueues item without blocking. When the queue is full the oldest
// queued item is shed to make room. Puts after Close are dropped.
func (s *Sink) Put(item Item) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- item:
	default:
		select {
		case old := <-s.queue:
			s.logger.Warn("sink queue full, shedding oldest write", "db", old.DBPath)
		default:
		}
		select {
		case s.queue <- item:
		default:
		}
	}
	s.mu.Unlock()
}

// Flush blocks until every item queued before the call has been written.
// Test helper; production code never waits on the sink.
func (s *Sink) Flush() {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
		<-done
	case <-s.done:
	}
}

// Close stops the writer after draining the queue and closes all cached
// connections.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
	}
	s.dbs = map[string]*sql.DB{}
	return firstErr
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		// Prefer queued work; accept flush requests only when idle so a
		// flush observes everything enqueued before it.
		select {
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(item)
		default:
			select {
			case item, ok := <-s.queue:
				if !ok {
					return
				}
				s.write(item)
			case done := <-s.flushReq:
				close(done)
			}
		}
	}
}

func (s *Sink) write(item Item) {
	db, err := s.db(item.DBPath)
	if err != nil {
		s.logger.Error("sink cannot open database, dropping write",
			"db", item.DBPath, "error", err)
		return
	}
	if _, err := db.Exec(item.SQL, item.Args...); err != nil {
		s.logger.Error("sink write failed, dropping",
			"db", item.DBPath, "error", err)
	}
}

// db returns the cached connection for path, opening and initializing it
// on first use: WAL journaling, NORMAL sync, 30 s busy timeout, 64 MB
// page cache, plus the conversation schemas.
func (s *Sink) db(path string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[path]; ok {
		return db, nil
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(30000)" +
		"&_pragma=cache_size(-64000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer by construction; a second connection would only add
	// lock contention.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{conversationLogSchema, conversationMetricsSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema for %s: %w", path, err)
		}
	}
	s.dbs[path] = db
	return db, nil
}
