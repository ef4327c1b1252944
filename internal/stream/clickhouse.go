package stream

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS arp_records (
    Seq       UInt64,
    Kind      LowCardinality(String),
    Timestamp DateTime64(6),
    Module    LowCardinality(String),
    Reason    String,
    AlertID   String,
    SrcIP     String,
    SrcMAC    String,
    Severity  Float64,
    Score     Float64,
    Features  Array(Float64)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY Seq;
`

const selectColumns = `Seq, Kind, Timestamp, Module, Reason, AlertID, SrcIP, SrcMAC, Severity, Score, Features`

// ClickHouseStore keeps the record log in a ClickHouse table. Sequence numbers
// continue from the highest stored one, so a single writer process is assumed.
type ClickHouseStore struct {
	conn driver.Conn
	mu   sync.Mutex
	seq  uint64
}

// NewClickHouseStore connects, ensures the table exists and resumes the sequence.
func NewClickHouseStore(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	var maxSeq uint64
	if err := conn.QueryRow(ctx, "SELECT max(Seq) FROM arp_records").Scan(&maxSeq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}
	log.Printf("Connected to ClickHouse record store, resuming at seq %d", maxSeq)
	return &ClickHouseStore{conn: conn, seq: maxSeq}, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Append inserts recs in one batch. Sequence numbers are only consumed when
// the batch is sent successfully.
func (s *ClickHouseStore) Append(ctx context.Context, recs []*model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO arp_records")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	next := s.seq
	for _, r := range recs {
		next++
		err := batch.Append(
			next,
			string(r.Kind),
			r.Timestamp,
			string(r.Module),
			r.Reason,
			r.AlertID,
			r.SrcIP,
			r.SrcMAC,
			r.Severity,
			r.Score,
			r.Features,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append record to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	for _, r := range recs {
		s.seq++
		r.Seq = s.seq
	}
	return nil
}

func (s *ClickHouseStore) Since(ctx context.Context, after uint64, limit int) ([]model.Record, error) {
	query := "SELECT " + selectColumns + " FROM arp_records WHERE Seq > ? ORDER BY Seq DESC"
	args := []interface{}{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *ClickHouseStore) Holdout(ctx context.Context, upTo uint64, limit int) ([]model.Record, error) {
	query := "SELECT " + selectColumns + " FROM arp_records WHERE Seq <= ? ORDER BY Seq DESC"
	args := []interface{}{upTo}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// query runs a newest-first select and returns the rows in Seq order.
func (s *ClickHouseStore) query(ctx context.Context, query string, args ...interface{}) ([]model.Record, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			r            model.Record
			kind, module string
		)
		if err := rows.Scan(&r.Seq, &kind, &r.Timestamp, &module, &r.Reason, &r.AlertID,
			&r.SrcIP, &r.SrcMAC, &r.Severity, &r.Score, &r.Features); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Kind = model.RecordKind(kind)
		r.Module = model.Module(module)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *ClickHouseStore) Latest(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
