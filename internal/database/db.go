package database

import (
	"fmt"
	"log"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a database connection. A DSN starting with "postgres://"
// selects the PostgreSQL driver; anything else is treated as a SQLite path.
func Connect(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return db, nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&User{},
		&UserGroup{},
		&Schedule{},
		&OnCallShift{},
		&Integration{},
		&ChannelFilter{},
		&EscalationChain{},
		&EscalationPolicy{},
		&AlertGroup{},
		&Alert{},
		&AlertGroupLogRecord{},
		&UserNotificationPolicy{},
		&UserNotificationPolicyLogRecord{},
		&CustomWebhook{},
		&ScheduledTask{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// Close closes the underlying sql.DB connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
