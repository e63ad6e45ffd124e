package serialization

import (
	"bufio"
	"encoding"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/xtxerr/collector/internal/event"
)

// legacyRecord is the gob record of the legacy format.
type legacyRecord struct {
	Name      string
	Timestamp int64
	Data      []byte
}

type legacyEncoder struct {
	w   *bufio.Writer
	enc *gob.Encoder
}

func newLegacyEncoder(w io.Writer) *legacyEncoder {
	bw := bufio.NewWriter(w)
	return &legacyEncoder{w: bw, enc: gob.NewEncoder(bw)}
}

// Encode accepts raw events and events that marshal themselves.
func (enc *legacyEncoder) Encode(e event.Event) error {
	rec := legacyRecord{
		Name:      e.Name(),
		Timestamp: e.Timestamp().UnixNano(),
	}

	switch v := e.(type) {
	case *event.RawEvent:
		rec.Data = v.Data
	case encoding.BinaryMarshaler:
		data, err := v.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal %T: %w", e, err)
		}
		rec.Data = data
	default:
		return wrongKind(TypeLegacy, e)
	}

	return enc.enc.Encode(&rec)
}

func (enc *legacyEncoder) Flush() error {
	return enc.w.Flush()
}
