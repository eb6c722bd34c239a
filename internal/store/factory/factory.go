package factory

import (
	"errors"
	"strings"

	"github.com/fyrsmithlabs/hookrelay/internal/store"
	pg "github.com/fyrsmithlabs/hookrelay/internal/store/postgres"
	sq "github.com/fyrsmithlabs/hookrelay/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or a bare filepath
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	return sq.New(d)
}
