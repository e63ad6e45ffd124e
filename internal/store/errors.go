package store

import (
	"database/sql"

	"github.com/xtxerr/collector/internal/errors"
)

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
