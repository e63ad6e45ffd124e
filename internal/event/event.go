// Package event defines the events flowing through the collector pipeline.
//
// An event is immutable once constructed. Its Name is the category used for
// routing: it selects the local queue, the spool directory and, together with
// the concrete kind, the serialization codec.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/collector/internal/errors"
)

// Event is a single record accepted by the collector.
type Event interface {
	// Name returns the event category.
	Name() string

	// Timestamp returns the time the event was produced.
	Timestamp() time.Time
}

// =============================================================================
// Envelope events
// =============================================================================

// EnvelopeEvent is a self-describing event. Payload values must be
// representable as protobuf Struct values: nil, bool, numbers, strings,
// []any and map[string]any. Numbers are carried as float64.
//
// PlainText selects the line-oriented JSON variant of the envelope codec.
type EnvelopeEvent struct {
	EventName string
	EventTime time.Time
	PlainText bool
	Payload   map[string]any
}

// NewEnvelopeEvent creates a binary envelope event. The payload is copied
// into the form a decoder returns for it (see NormalizePayload), so an
// encode and decode yields an equal event.
func NewEnvelopeEvent(name string, ts time.Time, payload map[string]any) (*EnvelopeEvent, error) {
	p, err := NormalizePayload(payload)
	if err != nil {
		return nil, err
	}
	return &EnvelopeEvent{
		EventName: name,
		EventTime: ts,
		Payload:   p,
	}, nil
}

// NewPlainTextEvent creates an envelope event stored as JSON.
func NewPlainTextEvent(name string, ts time.Time, payload map[string]any) (*EnvelopeEvent, error) {
	e, err := NewEnvelopeEvent(name, ts, payload)
	if err != nil {
		return nil, err
	}
	e.PlainText = true
	return e, nil
}

// maxExactInt is the largest magnitude up to which every integer has an
// exact float64.
const maxExactInt = 1 << 53

// NormalizePayload returns a copy of payload in protobuf Struct form:
// integers become float64, []byte becomes its base64 string and nested
// containers become []any and map[string]any. Integers beyond 2^53 and
// values with no Struct form fail with errors.ErrInvalidArgument.
func NormalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %v: %w", err, errors.ErrInvalidArgument)
	}
	return s.AsMap(), nil
}

// ValidatePayload rejects integers a float64 cannot hold exactly.
func ValidatePayload(payload map[string]any) error {
	for k, v := range payload {
		if err := validateValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v any) error {
	exact := true
	switch n := v.(type) {
	case map[string]any:
		for k, c := range n {
			if err := validateValue(path+"."+k, c); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, c := range n {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), c); err != nil {
				return err
			}
		}
		return nil
	case int:
		exact = n >= -maxExactInt && n <= maxExactInt
	case int64:
		exact = n >= -maxExactInt && n <= maxExactInt
	case uint:
		exact = n <= maxExactInt
	case uint64:
		exact = n <= maxExactInt
	case json.Number:
		if i, err := n.Int64(); err == nil {
			exact = i >= -maxExactInt && i <= maxExactInt
		}
	}
	if !exact {
		return fmt.Errorf("payload %s: %v exceeds 2^53: %w", path, v, errors.ErrInvalidArgument)
	}
	return nil
}

func (e *EnvelopeEvent) Name() string { return e.EventName }
func (e *EnvelopeEvent) Timestamp() time.Time { return e.EventTime }

// =============================================================================
// Field events
// =============================================================================

// FieldKind is the wire type of a Field.
type FieldKind uint8

const (
	KindString FieldKind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindBytes
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Field is one numbered, typed value of a FieldEvent.
type Field struct {
	ID   int16
	Kind FieldKind

	str string
	num uint64
	raw []byte
}

// StringField creates a string field.
func StringField(id int16, v string) Field {
	return Field{ID: id, Kind: KindString, str: v}
}

// IntField creates a signed integer field.
func IntField(id int16, v int64) Field {
	return Field{ID: id, Kind: KindInt, num: uint64(v)}
}

// FloatField creates a float field.
func FloatField(id int16, v float64) Field {
	return Field{ID: id, Kind: KindFloat, num: math.Float64bits(v)}
}

// BoolField creates a boolean field.
func BoolField(id int16, v bool) Field {
	f := Field{ID: id, Kind: KindBool}
	if v {
		f.num = 1
	}
	return f
}

// BytesField creates a bytes field. The slice is copied.
func BytesField(id int16, v []byte) Field {
	return Field{ID: id, Kind: KindBytes, raw: bytes.Clone(v)}
}

func (f Field) Str() string { return f.str }
func (f Field) Int() int64 { return int64(f.num) }
func (f Field) Float() float64 { return math.Float64frombits(f.num) }
func (f Field) Bool() bool { return f.num != 0 }
func (f Field) Bytes() []byte { return bytes.Clone(f.raw) }

// Value returns the field value as an untyped Go value.
func (f Field) Value() any {
	switch f.Kind {
	case KindString:
		return f.str
	case KindInt:
		return f.Int()
	case KindFloat:
		return f.Float()
	case KindBool:
		return f.Bool()
	case KindBytes:
		return f.Bytes()
	default:
		return nil
	}
}

// Equal reports whether two fields carry the same id, kind and value.
func (f Field) Equal(o Field) bool {
	return f.ID == o.ID && f.Kind == o.Kind && f.str == o.str && f.num == o.num && bytes.Equal(f.raw, o.raw)
}

// FieldEvent is an event made of numbered typed fields.
type FieldEvent struct {
	EventName string
	EventTime time.Time
	Fields    []Field
}

// NewFieldEvent creates a field event.
func NewFieldEvent(name string, ts time.Time, fields ...Field) *FieldEvent {
	return &FieldEvent{
		EventName: name,
		EventTime: ts,
		Fields:    append([]Field(nil), fields...),
	}
}

func (e *FieldEvent) Name() string { return e.EventName }
func (e *FieldEvent) Timestamp() time.Time { return e.EventTime }

// Field returns the field with the given id.
func (e *FieldEvent) Field(id int16) (Field, bool) {
	for _, f := range e.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// =============================================================================
// Raw events
// =============================================================================

// RawEvent carries opaque bytes. It is stored in the legacy format.
type RawEvent struct {
	EventName string
	EventTime time.Time
	Data      []byte
}

// NewRawEvent creates a raw event. The slice is copied.
func NewRawEvent(name string, ts time.Time, data []byte) *RawEvent {
	return &RawEvent{
		EventName: name,
		EventTime: ts,
		Data:      bytes.Clone(data),
	}
}

func (e *RawEvent) Name() string { return e.EventName }
func (e *RawEvent) Timestamp() time.Time { return e.EventTime }

// Payload returns the event content as a map, for processors that consume
// events generically.
func Payload(e Event) map[string]any {
	switch v := e.(type) {
	case *EnvelopeEvent:
		return v.Payload
	case *FieldEvent:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[fmt.Sprintf("%d", f.ID)] = f.Value()
		}
		return out
	case *RawEvent:
		return map[string]any{"data": v.Data}
	default:
		return nil
	}
}
