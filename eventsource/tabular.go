package eventsource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CoinSummer/clamm-backtest/event"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const tabularPageSize = 100

// tabularRow mirrors the read-only event-store table named in the external
// interfaces: {id, pool_address, tx_id, event_name, timestamp_ms, data,
// code, num_of_events, timestamp, is_desc}, except that the timestamp
// column is not mapped.
type tabularRow struct {
	ID          uint64          `gorm:"column:id;primaryKey"`
	PoolAddress string          `gorm:"column:pool_address"`
	TxID        string          `gorm:"column:tx_id"`
	EventName   string          `gorm:"column:event_name"`
	TimestampMs int64           `gorm:"column:timestamp_ms"`
	Data        json.RawMessage `gorm:"column:data"`
	Code        int             `gorm:"column:code"`
	NumOfEvents int             `gorm:"column:num_of_events"`
	IsDesc      bool            `gorm:"column:is_desc"`
}

func (tabularRow) TableName() string {
	return "swap_event_pages"
}

type tabularRowData struct {
	Events []event.RawEvent `json:"events"`
}

// TabularSource pages through the tabular event store ordered ascending by
// timestamp_ms, normalizing each row's embedded event array in turn.
type TabularSource struct {
	db          *gorm.DB
	poolID      string
	startMs     int64
	endMs       int64
	offset      int
	buffer      []*event.SwapEvent
	bufferIndex int
	exhausted   bool
}

// NewTabularSource opens a GORM/Postgres connection using dsn and prepares
// to page through rows for poolID within [startMs, endMs]. A connection
// failure is fatal, matching the "store error aborts the run" policy.
// maxConns and idleTimeout configure the underlying *sql.DB pool; a
// non-positive value leaves the corresponding database/sql default in place.
func NewTabularSource(dsn, poolID string, startMs, endMs int64, maxConns int, idleTimeout time.Duration) (*TabularSource, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("eventsource: opening tabular store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("eventsource: accessing pool handle: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}
	if idleTimeout > 0 {
		sqlDB.SetConnMaxIdleTime(idleTimeout)
	}

	return &TabularSource{
		db:      db,
		poolID:  poolID,
		startMs: startMs,
		endMs:   endMs,
	}, nil
}

func (s *TabularSource) fetchPage(ctx context.Context) ([]tabularRow, error) {
	var rows []tabularRow
	err := s.db.WithContext(ctx).
		Where("pool_address = ? AND timestamp_ms BETWEEN ? AND ?", s.poolID, s.startMs, s.endMs).
		Order("timestamp_ms ASC").
		Limit(tabularPageSize).
		Offset(s.offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("eventsource: tabular query failed: %w", err)
	}
	return rows, nil
}

// refill pulls the next page of rows and normalizes them into the buffer.
// The tabular backend assumes upstream already emits in
// (timestamp_ms, digest, seq) order and does not re-sort.
func (s *TabularSource) refill(ctx context.Context) error {
	rows, err := s.fetchPage(ctx)
	if err != nil {
		return err
	}
	s.offset += len(rows)
	if len(rows) < tabularPageSize {
		// Short page: this is the last one, but still has events to flush.
		s.exhausted = len(rows) == 0
	}

	for _, row := range rows {
		var data tabularRowData
		if err := json.Unmarshal(row.Data, &data); err != nil {
			continue
		}
		tx := event.Transaction{
			Digest:      row.TxID,
			TimestampMs: event.TimestampMs(row.TimestampMs),
			Events:      data.Events,
		}
		s.buffer = append(s.buffer, event.Normalize(&tx, s.poolID)...)
	}

	if len(rows) < tabularPageSize {
		s.exhausted = true
	}
	return nil
}

// Next implements Source.
func (s *TabularSource) Next(ctx context.Context) (*event.SwapEvent, bool, error) {
	for s.bufferIndex >= len(s.buffer) {
		if s.exhausted {
			return nil, false, nil
		}
		s.buffer = s.buffer[:0]
		s.bufferIndex = 0
		if err := s.refill(ctx); err != nil {
			return nil, false, err
		}
		if len(s.buffer) == 0 && s.exhausted {
			return nil, false, nil
		}
	}
	evt := s.buffer[s.bufferIndex]
	s.bufferIndex++
	return evt, true, nil
}

// Close releases the tabular store connection, the only process-wide
// resource the core owns.
func (s *TabularSource) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
