package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"rentalescrow/core/events"
)

// DefaultListLimit caps History queries that do not set a limit.
const DefaultListLimit = 100

// Open connects to the journal database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
}

// Journal persists every escrow event it receives and answers history
// queries by agreement id. It implements events.Emitter.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu  sync.Mutex
	seq int64
}

// New migrates the schema and resumes the sequence counter.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var maxSeq sql.NullInt64
	if err := db.Model(&Entry{}).Select("MAX(seq)").Row().Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	return &Journal{
		db:     db,
		logger: logger.With(slog.String("component", "journal")),
		nowFn:  time.Now,
		seq:    maxSeq.Int64,
	}, nil
}

// Emit implements events.Emitter. Storage failures are logged because the
// transition that produced the event has already been committed.
func (j *Journal) Emit(evt events.Event) {
	if err := j.Record(context.Background(), evt); err != nil {
		j.logger.Error("journal write failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Record stores evt synchronously.
func (j *Journal) Record(ctx context.Context, evt events.Event) error {
	if j == nil || evt == nil {
		return nil
	}
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return nil
	}
	raw := payload.Event()
	attrs, err := json.Marshal(raw.Attributes)
	if err != nil {
		return err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := Entry{
		ID:          id,
		Seq:         j.seq + 1,
		AgreementID: raw.Attributes["id"],
		Type:        raw.Type,
		Status:      raw.Attributes["status"],
		Attributes:  string(attrs),
		CreatedAt:   j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}
	j.seq = entry.Seq
	return nil
}

// HistoryItem is the decoded form of an Entry returned by History.
type HistoryItem struct {
	Seq        int64             `json:"seq"`
	Type       string            `json:"type"`
	Status     string            `json:"status"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// History returns the events of one agreement in emission order.
func (j *Journal) History(ctx context.Context, agreementID string, limit int) ([]HistoryItem, error) {
	if j == nil {
		return nil, fmt.Errorf("journal: not configured")
	}
	agreementID = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(agreementID), "0x"))
	if agreementID == "" {
		return nil, fmt.Errorf("journal: agreement id required")
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	var entries []Entry
	if err := j.db.WithContext(ctx).
		Where("agreement_id = ?", agreementID).
		Order("seq ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(entries))
	for _, entry := range entries {
		attrs := map[string]string{}
		if entry.Attributes != "" {
			if err := json.Unmarshal([]byte(entry.Attributes), &attrs); err != nil {
				return nil, fmt.Errorf("journal: decode entry %s: %w", entry.ID, err)
			}
		}
		out = append(out, HistoryItem{
			Seq:        entry.Seq,
			Type:       entry.Type,
			Status:     entry.Status,
			Attributes: attrs,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return out, nil
}
