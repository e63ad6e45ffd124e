// Package processor holds the spool processors the promotion factory fans
// promoted files out to.
//
// Every processor receives every promoted file. Processors that only handle
// one event category skip the events they do not own.
package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/collector/internal/event"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/serialization"
	"github.com/xtxerr/collector/internal/spool"
)

// ArchiveRow is one archived event.
type ArchiveRow struct {
	Name        string `parquet:"name,zstd,dict"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	Payload     string `parquet:"payload,zstd"`
}

// archiveBatch is the number of rows buffered before a write.
const archiveBatch = 1024

// ArchiveProcessor copies promoted files into the remote store as Parquet.
// Legacy files have no decoder and are copied verbatim.
type ArchiveProcessor struct {
	remoteDir string
	codec     compress.Codec
	logger    *slog.Logger
}

// NewArchiveProcessor creates an archive processor writing under remoteDir.
func NewArchiveProcessor(remoteDir, compression string) *ArchiveProcessor {
	return &ArchiveProcessor{
		remoteDir: remoteDir,
		codec:     parquetCodec(compression),
		logger:    logging.Component("archive"),
	}
}

func parquetCodec(s string) compress.Codec {
	switch strings.ToLower(s) {
	case "none":
		return &parquet.Uncompressed
	case "snappy":
		return &parquet.Snappy
	case "gzip":
		return &parquet.Gzip
	case "lz4":
		return &parquet.Lz4Raw
	default:
		return &parquet.Zstd
	}
}

func (p *ArchiveProcessor) Name() string { return "archive" }

// ArchivePath returns where destinationPath is archived.
func (p *ArchiveProcessor) ArchivePath(localFile, destinationPath string) string {
	path := filepath.Join(p.remoteDir, filepath.FromSlash(destinationPath))
	if typ, err := spool.FileType(localFile); err == nil && typ == serialization.TypeLegacy {
		return path + spool.FileCompression(localFile).Extension()
	}
	return path + ".parquet"
}

func (p *ArchiveProcessor) ProcessEventFile(ctx context.Context, localFile, destinationPath string) error {
	typ, err := spool.FileType(localFile)
	if err != nil {
		return err
	}

	dest := p.ArchivePath(localFile, destinationPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	// Written aside and renamed so a partial archive is never visible.
	tmp := dest + ".tmp"
	if typ == serialization.TypeLegacy {
		err = copyFile(localFile, tmp)
	} else {
		err = p.writeParquet(ctx, localFile, tmp)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish archive %s: %w", dest, err)
	}

	logging.WithContext(ctx, p.logger).Debug("archived spool file", "file", localFile, "destination", dest)
	return nil
}

func (p *ArchiveProcessor) writeParquet(ctx context.Context, localFile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[ArchiveRow](f, parquet.Compression(p.codec))

	rows := make([]ArchiveRow, 0, archiveBatch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := w.Write(rows); err != nil {
			return fmt.Errorf("write archive rows: %w", err)
		}
		rows = rows[:0]
		return ctx.Err()
	}

	err = spool.DecodeFile(localFile, func(e event.Event) error {
		payload, err := json.Marshal(event.Payload(e))
		if err != nil {
			return fmt.Errorf("encode payload of %s: %w", e.Name(), err)
		}
		rows = append(rows, ArchiveRow{
			Name:        e.Name(),
			TimestampMs: e.Timestamp().UnixMilli(),
			Payload:     string(payload),
		})
		if len(rows) == archiveBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		w.Close()
		return err
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close archive writer: %w", err)
	}
	return f.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadArchive reads every row of a Parquet archive.
func ReadArchive(path string) ([]ArchiveRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := parquet.NewGenericReader[ArchiveRow](f)
	defer r.Close()

	rows := make([]ArchiveRow, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}
	return rows[:n], nil
}
