package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubDriver satisfies database/sql without a server; the pool never
// actually opens a connection.
type stubDriver struct{}

func (stubDriver) Open(name string) (driver.Conn, error) {
	return nil, errors.New("no server")
}

func TestPostgresStoreClose(t *testing.T) {
	sql.Register("postgres-stub", stubDriver{})
	pool, err := sql.Open("postgres-stub", "")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: pool}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open failed: %v", err)
	}
	s := &PostgresStore{db: db, now: time.Now}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := pool.Ping(); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("expected the pool to be closed, got %v", err)
	}
}
