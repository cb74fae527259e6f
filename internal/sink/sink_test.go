package sink_test

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/MCERQUA/openvoiceui/internal/sink"

	_ "modernc.org/sqlite"
)

func openRead(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLogTurnWritesRow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conv.db")
	s := sink.New(16, sink.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { s.Close() })

	s.LogTurn(path, "voice-main-6", "assistant", "Hi there.", "groq", "Celeste-PlayAI")
	s.Flush()

	db := openRead(t, path)
	var role, message string
	err := db.QueryRow(`SELECT role, message FROM conversation_log WHERE session_id = ?`,
		"voice-main-6").Scan(&role, &message)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if role != "assistant" || message != "Hi there." {
		t.Errorf("row = (%q, %q), want (assistant, Hi there.)", role, message)
	}
}

func TestLogMetricsWritesRow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metrics.db")
	s := sink.New(16, sink.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { s.Close() })

	s.LogMetrics(path, sink.RequestMetrics{
		SessionID:    "voice-main-6",
		GatewayID:    "openclaw",
		TTSProvider:  "groq",
		TotalMS:      1234,
		Chunks:       2,
		Success:      true,
		FallbackUsed: true,
	})
	s.Flush()

	db := openRead(t, path)
	var totalMS, success, fallback int
	err := db.QueryRow(`SELECT total_ms, success, fallback_used FROM conversation_metrics
WHERE session_id = ?`, "voice-main-6").Scan(&totalMS, &success, &fallback)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if totalMS != 1234 || success != 1 || fallback != 1 {
		t.Errorf("row = (%d, %d, %d), want (1234, 1, 1)", totalMS, success, fallback)
	}
}

func TestWALJournalMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.db")
	s := sink.New(16, sink.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { s.Close() })

	s.LogTurn(path, "k", "user", "hello", "", "")
	s.Flush()

	db := openRead(t, path)
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestBadSQLDroppedNotFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "drop.db")
	s := sink.New(16, sink.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { s.Close() })

	s.Put(sink.Item{DBPath: path, SQL: `INSERT INTO missing_table VALUES (1)`})
	// The writer survives and later writes still land.
	s.LogTurn(path, "k", "user", "after the failure", "", "")
	s.Flush()

	db := openRead(t, path)
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversation_log`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 {
		t.Errorf("conversation_log rows = %d, want 1", n)
	}
}

func TestPutAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	s := sink.New(4, sink.WithLogger(slog.New(slog.DiscardHandler)))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic on the closed queue.
	s.LogTurn(filepath.Join(t.TempDir(), "x.db"), "k", "user", "late", "", "")
}
