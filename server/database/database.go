package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DatabaseType represents the type of database to use
type DatabaseType string

const (
	// SQLite database type
	SQLite DatabaseType = "sqlite"
	// PostgreSQL database type
	PostgreSQL DatabaseType = "postgres"
)

// Config holds database configuration
type Config struct {
	Type         DatabaseType
	Host         string
	Port         int
	User         string
	Password     string
	DatabaseName string
	SSLMode      string
	SQLitePath   string
	// Quiet silences the gorm logger. Used by tests.
	Quiet bool
}

// Service provides database operations
type Service struct {
	db       *gorm.DB
	dbConfig *Config
}

// NewService creates a new database service
func NewService(config *Config) (*Service, error) {
	var db *gorm.DB
	var err error

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	if config.Quiet {
		newLogger = logger.Default.LogMode(logger.Silent)
	}

	switch config.Type {
	case PostgreSQL:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			config.Host, config.Port, config.User, config.Password, config.DatabaseName, config.SSLMode)
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: newLogger,
		})
	case SQLite:
		db, err = gorm.Open(sqlite.Open(config.SQLitePath), &gorm.Config{
			Logger: newLogger,
		})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Type == SQLite {
		// sqlite allows a single writer; share one connection so concurrent
		// flushes queue instead of failing with "database is locked"
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&RawMessageLog{}, &CallOutcome{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return &Service{db: db, dbConfig: config}, nil
}

// GetDatabaseType returns the type of database being used
func (s *Service) GetDatabaseType() DatabaseType {
	return s.dbConfig.Type
}

// Close closes the underlying connection pool.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRawMessageLogs stores a batch of raw frames in one statement.
func (s *Service) SaveRawMessageLogs(logs []RawMessageLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.CreateInBatches(logs, 50).Error
}

// SaveCallOutcome stores the outcome of a call. A second outcome for the same
// message ID is ignored.
func (s *Service) SaveCallOutcome(outcome *CallOutcome) error {
	if outcome.LatencyMillis == 0 && !outcome.RequestedAt.IsZero() && !outcome.ReceivedAt.IsZero() {
		outcome.LatencyMillis = outcome.ReceivedAt.Sub(outcome.RequestedAt).Milliseconds()
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(outcome)
	return result.Error
}

// GetCallOutcome retrieves the outcome of a single call
func (s *Service) GetCallOutcome(messageID string) (*CallOutcome, error) {
	var outcome CallOutcome
	result := s.db.First(&outcome, "message_id = ?", messageID)
	if result.Error != nil {
		return nil, result.Error
	}
	return &outcome, nil
}

// ListCallOutcomes retrieves call outcomes newest first, optionally for one charge point
func (s *Service) ListCallOutcomes(chargePointID string, limit int) ([]CallOutcome, error) {
	db := s.db

	if chargePointID != "" {
		db = db.Where("charge_point_id = ?", chargePointID)
	}
	if limit <= 0 {
		limit = 100
	}

	var outcomes []CallOutcome
	result := db.Order("received_at desc").Order("id desc").Limit(limit).Find(&outcomes)
	if result.Error != nil {
		return nil, result.Error
	}
	return outcomes, nil
}

// ListRawMessages retrieves raw frames newest first, optionally for one charge point
func (s *Service) ListRawMessages(chargePointID string, limit int) ([]RawMessageLog, error) {
	db := s.db

	if chargePointID != "" {
		db = db.Where("charge_point_id = ?", chargePointID)
	}
	if limit <= 0 {
		limit = 100
	}

	var logs []RawMessageLog
	result := db.Order("timestamp desc").Order("id desc").Limit(limit).Find(&logs)
	if result.Error != nil {
		return nil, result.Error
	}
	return logs, nil
}
