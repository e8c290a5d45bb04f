package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/dupehub/internal/config"
)

var (
	ErrNoRows        = sql.ErrNoRows
	ErrAlreadyExists = errors.New("already exists")
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
)

// CommandTag reports how many rows a statement touched.
type CommandTag int64

func (c CommandTag) RowsAffected() int64 {
	return int64(c)
}

// Querier runs raw SQL on the pool or inside a transaction.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// executor is the raw SQL surface shared by Pool and its transactions.
type executor struct {
	gdb *gorm.DB
}

func (x executor) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return x.gdb.WithContext(ctx).Raw(query, args...).Row()
}

func (x executor) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if x.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	return x.gdb.WithContext(ctx).Raw(query, args...).Rows()
}

func (x executor) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if x.gdb == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}
	res := x.gdb.WithContext(ctx).Exec(query, args...)
	return CommandTag(res.RowsAffected), res.Error
}

type gormTx struct {
	executor
}

func (t *gormTx) Commit(ctx context.Context) error {
	return t.gdb.WithContext(ctx).Commit().Error
}

func (t *gormTx) Rollback(ctx context.Context) error {
	return t.gdb.WithContext(ctx).Rollback().Error
}

// Pool owns the gorm handle. Typed reads go through gorm models; the merge
// and rollback paths use raw SQL through Querier.
type Pool struct {
	executor
	sqlDB *sql.DB
}

func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(resolveGormLogLevel(cfg.LogLevel, cfg.Environment)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen := max(int(cfg.DBMaxConns), 1)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.DBMinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool := &Pool{executor: executor{gdb: gdb}, sqlDB: sqlDB}
	if err := pool.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}
	return pool, nil
}

// WithTx runs fn inside one transaction and commits when fn returns nil.
func (p *Pool) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	begun := p.gdb.WithContext(ctx).Begin()
	if begun.Error != nil {
		return fmt.Errorf("begin transaction: %w", begun.Error)
	}
	tx := &gormTx{executor{gdb: begun}}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows) || errors.Is(err, gorm.ErrRecordNotFound)
}

func IsUniqueViolation(err error) bool {
	return hasPgCode(err, uniqueViolationCode) || errors.Is(err, gorm.ErrDuplicatedKey)
}

func IsForeignKeyViolation(err error) bool {
	return hasPgCode(err, foreignKeyViolationCode) || errors.Is(err, gorm.ErrForeignKeyViolated)
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	level := strings.ToLower(strings.TrimSpace(appLogLevel))
	switch level {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}
