// Package history archives finished pipeline runs in ClickHouse: one
// flattened row per run, written when the terminal event arrives.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// RunRecord is one archived run. Payload strings arrive already
// redacted by the metrics path.
type RunRecord struct {
	RunID          string
	PipelineID     string
	ConversationID string
	DeviceID       string
	Status         string
	ErrorCode      string
	WakeWordID     string
	Transcript     string
	IntentSpeech   string
	Intent         string
	AudioSeconds   float64
	TTSCharacters  uint32
	Chunks         uint32
	DurationMs     float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// runsTableDDL is applied at startup. MergeTree ordered for the two
// queries that matter: recent runs, and runs of one pipeline.
const runsTableDDL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          String,
	pipeline_id     String,
	conversation_id String,
	device_id       String,
	status          LowCardinality(String),
	error_code      LowCardinality(String),
	wake_word_id    String,
	transcript      String,
	intent_speech   String,
	intent          String,
	audio_seconds   Float64,
	tts_characters  UInt32,
	chunks          UInt32,
	duration_ms     Float64,
	started_at      DateTime64(3),
	finished_at     DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (pipeline_id, started_at, run_id)
`

const insertRun = `
INSERT INTO runs (
	run_id, pipeline_id, conversation_id, device_id,
	status, error_code, wake_word_id,
	transcript, intent_speech, intent,
	audio_seconds, tts_characters, chunks, duration_ms,
	started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// executor is the slice of driver.Conn the store uses; tests substitute
// a recorder.
type executor interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// Store writes run records to ClickHouse.
type Store struct {
	conn executor
}

// NewStore connects, pings and ensures the runs table exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func newStoreWithConn(conn executor) *Store {
	return &Store{conn: conn}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, runsTableDDL); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

// SaveRun inserts one record. Unset timestamps are normalized so the
// table never carries zero dates.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}
	err := s.conn.Exec(ctx, insertRun,
		rec.RunID,
		rec.PipelineID,
		rec.ConversationID,
		rec.DeviceID,
		rec.Status,
		rec.ErrorCode,
		rec.WakeWordID,
		rec.Transcript,
		rec.IntentSpeech,
		rec.Intent,
		rec.AudioSeconds,
		rec.TTSCharacters,
		rec.Chunks,
		rec.DurationMs,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}
