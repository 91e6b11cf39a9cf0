package store

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/posterforge/internal/platform/config"
	"github.com/yungbote/posterforge/internal/platform/logger"
)

// OpenPostgres connects to Postgres using the POSTGRES_* environment variables,
// following the teacher's discrete-env-var DSN assembly.
func OpenPostgres(log *logger.Logger) (*gorm.DB, error) {
	host := config.GetEnv("POSTGRES_HOST", "localhost", log)
	port := config.GetEnv("POSTGRES_PORT", "5432", log)
	user := config.GetEnv("POSTGRES_USER", "postgres", log)
	password := config.GetEnv("POSTGRES_PASSWORD", "", log)
	name := config.GetEnv("POSTGRES_NAME", "posterforge", log)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, name,
	)

	// Ignore record-not-found noise: the Store's own lookups (CreateJob's existence
	// check among them) treat a missing row as routine, not exceptional.
	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}
