// Package spool implements the local disk spool: per-category spool
// directories, the append-only disk writer and the commit threshold policy.
//
// A spool directory is named <category>.<suffix>.<epochMillis> and lives
// directly under the spool root:
//
//	<root>/<category>.<suffix>.<epochMillis>/
//	    _tmp/         files being written, never touched by recovery
//	    _spool/       committed files waiting for promotion
//	    _quarantine/  files whose promotion failed, left for recovery
//
// Directory age is the only signal recovery uses to find orphaned
// directories. A live writer refreshes its directory's modification time on
// every commit and flush tick so it never looks orphaned.
package spool

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/validation"
)

// Sub-directories of a spool directory.
const (
	TmpDir        = "_tmp"
	SpoolDir      = "_spool"
	QuarantineDir = "_quarantine"
)

// Manager describes one spool directory.
type Manager struct {
	root     string
	category string
	typ      serialization.Type
	created  time.Time
}

// NewManager describes a new spool directory for category under root.
func NewManager(root, category string, typ serialization.Type, now time.Time) (*Manager, error) {
	if err := validation.ValidateCategory(category); err != nil {
		return nil, err
	}
	if typ.Suffix() == "" {
		return nil, errors.NewInvalidArgument("serialization type", typ)
	}

	return &Manager{
		root:     root,
		category: category,
		typ:      typ,
		created:  time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// FromDirectory parses an existing spool directory path.
func FromDirectory(dir string) (*Manager, error) {
	base := filepath.Base(dir)

	// The category may contain dots; suffix and epoch are the last two parts.
	last := strings.LastIndexByte(base, '.')
	if last <= 0 {
		return nil, fmt.Errorf("%s: %w", dir, errors.ErrInvalidSpoolDir)
	}
	millis, err := strconv.ParseInt(base[last+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, errors.ErrInvalidSpoolDir)
	}

	rest := base[:last]
	mid := strings.LastIndexByte(rest, '.')
	if mid <= 0 {
		return nil, fmt.Errorf("%s: %w", dir, errors.ErrInvalidSpoolDir)
	}

	typ, err := serialization.FromSuffix(rest[mid+1:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", dir, errors.ErrInvalidSpoolDir, err)
	}

	return &Manager{
		root:     filepath.Dir(dir),
		category: rest[:mid],
		typ:      typ,
		created:  time.UnixMilli(millis).UTC(),
	}, nil
}

func (m *Manager) Category() string { return m.category }
func (m *Manager) Type() serialization.Type { return m.typ }
func (m *Manager) Created() time.Time { return m.created }
func (m *Manager) Dir() string { return filepath.Join(m.root, m.name()) }
func (m *Manager) TmpPath() string { return filepath.Join(m.Dir(), TmpDir) }
func (m *Manager) SpoolPath() string { return filepath.Join(m.Dir(), SpoolDir) }
func (m *Manager) QuarantinePath() string { return filepath.Join(m.Dir(), QuarantineDir) }

func (m *Manager) name() string {
	return fmt.Sprintf("%s.%s.%d", m.category, m.typ.Suffix(), m.created.UnixMilli())
}

// EnsureDirs creates the spool directory and its sub-directories.
func (m *Manager) EnsureDirs() error {
	for _, dir := range []string{m.TmpPath(), m.SpoolPath(), m.QuarantinePath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create spool directory %s: %w", dir, err)
		}
	}
	return nil
}

// Touch refreshes the directory modification time.
func (m *Manager) Touch(now time.Time) error {
	return os.Chtimes(m.Dir(), now, now)
}

// DestinationPath returns the remote path of the flushCount-th file promoted
// from this directory, relative to the remote root:
//
//	<category>/<yyyy>/<mm>/<dd>/<hh>/<hostname>-<epochMillis>-f<flushCount>.<suffix>
func (m *Manager) DestinationPath(hostname string, flushCount int) string {
	return fmt.Sprintf("%s/%s/%s-%d-f%d.%s",
		m.category,
		m.created.Format("2006/01/02/15"),
		hostname,
		m.created.UnixMilli(),
		flushCount,
		m.typ.Suffix(),
	)
}

// RecoveryPath returns the remote path of the spool file with sequence number
// seq when a recovery sweep promotes it. The r marker keeps recovery paths
// disjoint from the f paths of live promotion:
//
//	<category>/<yyyy>/<mm>/<dd>/<hh>/<hostname>-<epochMillis>-r<seq>.<suffix>
func (m *Manager) RecoveryPath(hostname string, seq int64) string {
	return fmt.Sprintf("%s/%s/%s-%d-r%d.%s",
		m.category,
		m.created.Format("2006/01/02/15"),
		hostname,
		m.created.UnixMilli(),
		seq,
		m.typ.Suffix(),
	)
}

// FindOldSpoolDirectories returns the directories directly under root whose
// modification time is before now-cutoff.
func FindOldSpoolDirectories(root string, cutoff time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	threshold := now.Add(-cutoff)

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(threshold) {
			dirs = append(dirs, filepath.Join(root, entry.Name()))
		}
	}

	return dirs, nil
}

// FindFilesInSpoolDirectory returns all regular files under dir, skipping
// every _tmp directory.
func FindFilesInSpoolDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == TmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// CleanupOldSpoolDirectories removes the directories (and their empty
// sub-directories) that no longer contain any file. Directories still holding
// files, including files in _tmp, are kept.
func CleanupOldSpoolDirectories(dirs []string) (removed int) {
	for _, dir := range dirs {
		if removeEmptyDirs(dir) {
			removed++
		}
	}
	return removed
}

// removeEmptyDirs removes empty directories bottom-up and reports whether dir
// itself was removed.
func removeEmptyDirs(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	empty := true
	for _, entry := range entries {
		if entry.IsDir() && removeEmptyDirs(filepath.Join(dir, entry.Name())) {
			continue
		}
		empty = false
	}

	if !empty {
		return false
	}
	return os.Remove(dir) == nil
}

// FileType returns the serialization type of a spool file from its name.
func FileType(path string) (serialization.Type, error) {
	_, name := compressionFromName(filepath.Base(path))
	ext := filepath.Ext(name)
	if ext == "" {
		return 0, errors.NewInvalidArgument("spool file", path)
	}
	return serialization.FromSuffix(ext[1:])
}

// FileSequence returns the sequence number a DiskWriter encoded in the name
// of a spool file. It is unique within a spool directory.
func FileSequence(path string) (int64, error) {
	base := filepath.Base(path)
	i := strings.IndexByte(base, '.')
	if i <= 0 {
		return 0, errors.NewInvalidArgument("spool file", path)
	}
	seq, err := strconv.ParseInt(base[:i], 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.NewInvalidArgument("spool file", path)
	}
	return seq, nil
}

// DecodeFile calls fn for every event stored in a spool file.
func DecodeFile(path string, fn func(event.Event) error) error {
	typ, err := FileType(path)
	if err != nil {
		return err
	}

	r, err := OpenFile(path)
	if err != nil {
		return err
	}
	defer r.Close()

	dec, err := typ.NewDecoder(r)
	if err != nil {
		return err
	}

	for {
		e, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
