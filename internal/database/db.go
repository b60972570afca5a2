package database

import (
	"database/sql"
	"embed"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"

	"luminova/backend/internal/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}

	logger.Get().Info("database migrations applied")
	return nil
}

func Close(db *sql.DB) {
	if db != nil {
		db.Close()
		logger.Get().Info("database connection closed")
	}
}
