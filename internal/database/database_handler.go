package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dnswarden/internal/domain"
	"dnswarden/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrDomainNotFound      = errors.New("domain not found")
	ErrDomainExists        = errors.New("domain is already monitored")
	ErrVoteSessionNotFound = errors.New("vote session not found")
	ErrVoteSessionResolved = errors.New("vote session is already resolved")
)

const defaultOpTimeout = 10 * time.Second

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
}

type Option func(*Config)

// SetupDB opens the ledger connection and migrates the schema. Without
// options it connects to the given postgres URL.
func SetupDB(databaseURL string, opts ...Option) (*gorm.DB, error) {
	cfg := defaultConfig(databaseURL)
	for _, opt := range opts {
		opt(&cfg)
	}

	var db *gorm.DB
	switch {
	case cfg.ExistingDB != nil:
		db = cfg.ExistingDB
	case cfg.Dialector != nil:
		gormCfg := &gorm.Config{}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		opened, err := gorm.Open(cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		db = opened
		configureConnectionPool(db)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if cfg.AutoMigrate && len(cfg.Migrations) > 0 {
		if err := db.AutoMigrate(cfg.Migrations...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		log.Info("Database migration completed.")
	}

	return db, nil
}

func defaultConfig(databaseURL string) Config {
	cfg := Config{
		Logger:      silentLogger(),
		AutoMigrate: true,
		Migrations:  Models(),
	}
	if databaseURL != "" {
		cfg.Dialector = postgres.Open(databaseURL)
	}
	return cfg
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

// Models lists every table of the ledger in dependency order.
func Models() []any {
	return []any{
		&domain.Domain{},
		&domain.DNSRecord{},
		&domain.KnownAddress{},
		&domain.VoteSession{},
		&domain.UserVote{},
		&domain.Notification{},
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMigrations(models ...any) Option {
	return func(cfg *Config) {
		if len(models) == 0 {
			cfg.Migrations = nil
			return
		}
		cfg.Migrations = append([]any(nil), models...)
	}
}

func configureConnectionPool(db *gorm.DB) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 16)
	maxIdle := support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen)
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	connLifetimeSeconds := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300)
	connIdleSeconds := support.GetEnvInt("DB_CONN_MAX_IDLE_TIME", 60)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(connLifetimeSeconds) * time.Second)
	}
	if connIdleSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(connIdleSeconds) * time.Second)
	}
}

// Store is the persistent ledger. Every method bounds its work with the
// configured operation timeout.
type Store struct {
	db        *gorm.DB
	opTimeout time.Duration
}

func NewStore(db *gorm.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Store{db: db, opTimeout: opTimeout}
}

// session returns a handle bound to a context carrying the operation timeout.
func (s *Store) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	return s.db.WithContext(opCtx), cancel
}

// Ping reports whether the underlying connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("database: get sql.DB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
