package processor

import (
	"context"
	"fmt"
	"os"

	"github.com/xtxerr/collector/internal/ledger"
	"github.com/xtxerr/collector/internal/promotion"
)

// idempotent skips files the wrapped processor already consumed.
type idempotent struct {
	promotion.SpoolProcessor
	ledger *ledger.Ledger
}

// Idempotent wraps p so a file re-delivered by a recovery sweep after p
// succeeded on it is skipped. A file is identified by its spool directory,
// name, size and modification time. A nil ledger returns p unchanged.
func Idempotent(p promotion.SpoolProcessor, l *ledger.Ledger) promotion.SpoolProcessor {
	if l == nil {
		return p
	}
	return &idempotent{SpoolProcessor: p, ledger: l}
}

func (p *idempotent) ProcessEventFile(ctx context.Context, localFile, destinationPath string) error {
	fi, err := os.Stat(localFile)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s|%s|%d|%d", p.Name(), fileID(localFile), fi.Size(), fi.ModTime().UnixNano())

	seen, err := p.ledger.Seen(key)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if err := p.SpoolProcessor.ProcessEventFile(ctx, localFile, destinationPath); err != nil {
		return err
	}
	return p.ledger.Mark(key)
}
