package sink

// Schemas applied to every database on first use. Kept additive: new
// columns go through ALTER TABLE migrations, never destructive rewrites.
const (
	conversationLogSchema = `
CREATE TABLE IF NOT EXISTS conversation_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL,
    role         TEXT NOT NULL,
    message      TEXT NOT NULL,
    tts_provider TEXT,
    voice        TEXT,
    created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

	conversationMetricsSchema = `
CREATE TABLE IF NOT EXISTS conversation_metrics (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL,
    gateway_id    TEXT,
    tts_provider  TEXT,
    message_chars INTEGER,
    response_chars INTEGER,
    handshake_ms  INTEGER,
    gateway_ms    INTEGER,
    tts_ms        INTEGER,
    total_ms      INTEGER,
    chunks        INTEGER,
    success       INTEGER,
    fallback_used INTEGER,
    created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`
)

// RequestMetrics is one row of per-request accounting.
type RequestMetrics struct {
	SessionID     string
	GatewayID     string
	TTSProvider   string
	MessageChars  int
	ResponseChars int
	HandshakeMS   int64
	GatewayMS     int64
	TTSMS         int64
	TotalMS       int64
	Chunks        int
	Success       bool
	FallbackUsed  bool
}

// LogTurn queues one conversation_log row.
func (s *Sink) LogTurn(dbPath, sessionID, role, message, ttsProvider, voice string) {
	s.Put(Item{
		DBPath: dbPath,
		SQL: `INSERT INTO conversation_log (session_id, role, message, tts_provider, voice)
VALUES (?, ?, ?, ?, ?)`,
		Args: []any{sessionID, role, message, ttsProvider, voice},
	})
}

// LogMetrics queues one conversation_metrics row.
func (s *Sink) LogMetrics(dbPath string, m RequestMetrics) {
	s.Put(Item{
		DBPath: dbPath,
		SQL: `INSERT INTO conversation_metrics
(session_id, gateway_id, tts_provider, message_chars, response_chars,
 handshake_ms, gateway_ms, tts_ms, total_ms, chunks, success, fallback_used)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			m.SessionID, m.GatewayID, m.TTSProvider, m.MessageChars, m.ResponseChars,
			m.HandshakeMS, m.GatewayMS, m.TTSMS, m.TotalMS, m.Chunks,
			boolInt(m.Success), boolInt(m.FallbackUsed),
		},
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
