// Package serialization selects the codec used to store events in spool files.
//
// The codec is chosen once per writer chain from the concrete event kind:
//
//	*event.EnvelopeEvent, PlainText   → TypeJSON     (.json)
//	*event.EnvelopeEvent              → TypeEnvelope (.pbenv)
//	*event.FieldEvent                 → TypeFields   (.fields)
//	anything else                     → TypeLegacy   (.bin)
//
// The legacy codec is write-only. Its decoder always fails with
// errors.ErrNotSupported; legacy files are archived verbatim and never
// parsed again.
package serialization

import (
	"fmt"
	"io"
	"strings"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/event"
)

// MaxRecordSize bounds a single framed record on decode.
const MaxRecordSize = 16 * 1024 * 1024

// Type identifies a serialization format.
type Type int

const (
	TypeEnvelope Type = iota + 1
	TypeJSON
	TypeFields
	TypeLegacy
)

var types = []Type{TypeEnvelope, TypeJSON, TypeFields, TypeLegacy}

// Types returns all known serialization types.
func Types() []Type {
	return append([]Type(nil), types...)
}

// Suffix returns the file suffix for the type.
func (t Type) Suffix() string {
	switch t {
	case TypeEnvelope:
		return "pbenv"
	case TypeJSON:
		return "json"
	case TypeFields:
		return "fields"
	case TypeLegacy:
		return "bin"
	default:
		return ""
	}
}

func (t Type) String() string {
	switch t {
	case TypeEnvelope:
		return "envelope"
	case TypeJSON:
		return "json"
	case TypeFields:
		return "fields"
	case TypeLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ForEvent returns the serialization type matching the event's kind.
func ForEvent(e event.Event) Type {
	switch v := e.(type) {
	case *event.EnvelopeEvent:
		if v.PlainText {
			return TypeJSON
		}
		return TypeEnvelope
	case *event.FieldEvent:
		return TypeFields
	default:
		return TypeLegacy
	}
}

// FromSuffix returns the type stored under the given file suffix.
// Unrecognized suffixes are rejected rather than defaulted.
func FromSuffix(suffix string) (Type, error) {
	for _, t := range types {
		if t.Suffix() == suffix {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %w: suffix %q", errors.ErrUnknownFormat, errors.ErrInvalidArgument, suffix)
}

// Parse parses a format name (as used in config and the admin shell).
// Both the type name and its suffix are accepted.
func Parse(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range types {
		if t.String() == name || t.Suffix() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errors.ErrUnknownFormat, name)
}

// Encoder writes events of one serialization type.
type Encoder interface {
	// Encode appends one event. Events of the wrong kind fail with
	// errors.ErrInvalidArgument.
	Encode(e event.Event) error

	// Flush writes any buffered data to the underlying writer.
	Flush() error
}

// Decoder reads events of one serialization type. Decode returns io.EOF
// after the last event.
type Decoder interface {
	Decode() (event.Event, error)
}

// NewEncoder returns an encoder writing to w.
func (t Type) NewEncoder(w io.Writer) (Encoder, error) {
	switch t {
	case TypeEnvelope:
		return newEnvelopeEncoder(w), nil
	case TypeJSON:
		return newJSONEncoder(w), nil
	case TypeFields:
		return newFieldsEncoder(w), nil
	case TypeLegacy:
		return newLegacyEncoder(w), nil
	default:
		return nil, errors.NewInvalidArgument("serialization type", t)
	}
}

// NewDecoder returns a decoder reading from r.
func (t Type) NewDecoder(r io.Reader) (Decoder, error) {
	switch t {
	case TypeEnvelope:
		return newEnvelopeDecoder(r), nil
	case TypeJSON:
		return newJSONDecoder(r), nil
	case TypeFields:
		return newFieldsDecoder(r), nil
	case TypeLegacy:
		return nil, fmt.Errorf("decode legacy format: %w", errors.ErrNotSupported)
	default:
		return nil, errors.NewInvalidArgument("serialization type", t)
	}
}

// DecodeAll reads every event from r.
func (t Type) DecodeAll(r io.Reader) ([]event.Event, error) {
	dec, err := t.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for {
		e, err := dec.Decode()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

func wrongKind(t Type, e event.Event) error {
	return fmt.Errorf("%s codec cannot encode %T: %w", t, e, errors.ErrInvalidArgument)
}
