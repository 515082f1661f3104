package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Archive persists committed transactions to SQLite so a capture session
// survives restarts. The in-memory Store stays authoritative while the
// proxy runs; the archive is written behind it.
type Archive struct {
	db     *gorm.DB
	Logger *slog.Logger
}

// archivedTransaction is the row layout. The full transaction is kept as
// JSON in Data; the other columns exist for ordering and ad-hoc queries.
type archivedTransaction struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"uniqueIndex;size:64;not null"`
	Method     string    `gorm:"size:16"`
	URL        string    `gorm:"type:text"`
	Status     int       `gorm:"index"`
	IsFavorite bool      `gorm:"index"`
	RuleID     string    `gorm:"size:64"`
	DurationMS float64
	CapturedAt time.Time `gorm:"index"`
	Data       []byte
}

func (archivedTransaction) TableName() string { return "transactions" }

// OpenArchive opens (creating if needed) the SQLite database at dsn.
// "file::memory:" gives a throwaway in-memory archive.
func OpenArchive(dsn string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(logger).LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("archive handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&archivedTransaction{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	return &Archive{db: db, Logger: logger}, nil
}

// Save writes a transaction. Saving an id twice keeps the first copy.
func (a *Archive) Save(ctx context.Context, t Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", t.ID, err)
	}

	row := archivedTransaction{
		ID:         t.ID,
		Method:     t.Request.Method,
		URL:        t.Request.URL,
		IsFavorite: t.IsFavorite,
		RuleID:     t.RuleID,
		DurationMS: float64(t.Duration) / float64(time.Millisecond),
		CapturedAt: t.Request.Timestamp,
		Data:       data,
	}
	if t.Response != nil {
		row.Status = t.Response.Status
	}

	err = a.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", t.ID, err)
	}
	return nil
}

// SetFavorite updates the favorite flag of an archived transaction.
func (a *Archive) SetFavorite(ctx context.Context, id string, favorite bool) error {
	err := a.db.WithContext(ctx).
		Model(&archivedTransaction{}).
		Where("id = ?", id).
		Update("is_favorite", favorite).Error
	if err != nil {
		return fmt.Errorf("set favorite %s: %w", id, err)
	}
	return nil
}

// Load returns every archived transaction in capture order. Rows that fail
// to decode are logged and skipped.
func (a *Archive) Load(ctx context.Context) ([]Transaction, error) {
	var rows []archivedTransaction
	if err := a.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}

	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		var t Transaction
		if err := json.Unmarshal(row.Data, &t); err != nil {
			a.Logger.Warn("skipping unreadable archived transaction", "id", row.ID, "error", err)
			continue
		}
		t.IsFavorite = row.IsFavorite
		out = append(out, t)
	}
	return out, nil
}

// Count returns the number of archived transactions.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&archivedTransaction{}).Count(&n).Error
	return n, err
}

// Clear deletes every archived transaction.
func (a *Archive) Clear(ctx context.Context) error {
	err := a.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&archivedTransaction{}).Error
	if err != nil {
		return fmt.Errorf("clear archive: %w", err)
	}
	return nil
}

// Close releases the database.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger routes GORM's logging through slog.
type gormLogger struct {
	logger        *slog.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(l *slog.Logger) *gormLogger {
	return &gormLogger{logger: l, level: gormlogger.Warn, slowThreshold: time.Second}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...), "component", "archive")
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...), "component", "archive")
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...), "component", "archive")
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		"component", "archive",
		"sql", sql,
		"rows", rows,
		"elapsed_ms", float64(elapsed) / float64(time.Millisecond),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logger.ErrorContext(ctx, "sql error", append(attrs, "error", err)...)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logger.WarnContext(ctx, "slow sql", attrs...)
	case l.level >= gormlogger.Info:
		l.logger.DebugContext(ctx, "sql", attrs...)
	}
}
