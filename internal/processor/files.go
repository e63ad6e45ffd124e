package processor

import (
	"path/filepath"

	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/spool"
)

// spoolDir returns the spool directory holding a committed or quarantined
// file.
func spoolDir(path string) string {
	return filepath.Dir(filepath.Dir(path))
}

// fileID names a spool file independently of the _spool or _quarantine
// sub-directory it currently sits in.
func fileID(path string) string {
	return filepath.Base(spoolDir(path)) + "/" + filepath.Base(path)
}

// mayHold reports whether a spool file can contain events of category.
// Files outside a parsable spool directory are assumed to.
func mayHold(path, category string) bool {
	if typ, err := spool.FileType(path); err == nil && typ == serialization.TypeLegacy {
		return false
	}
	m, err := spool.FromDirectory(spoolDir(path))
	if err != nil {
		return true
	}
	return m.Category() == category
}
