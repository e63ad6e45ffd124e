package serialization

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/collector/internal/event"
)

// Field event wire layout. Each record is a varint length followed by:
//
//	1: name        (bytes)
//	2: timestamp   (varint, unix nanoseconds)
//	3: field entry (bytes, repeated)
//	   1: id    (zigzag varint)
//	   2: kind  (varint)
//	   3: value (bytes | zigzag varint | fixed64, by kind)
const (
	fieldName      protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldEntry     protowire.Number = 3

	entryID    protowire.Number = 1
	entryKind  protowire.Number = 2
	entryValue protowire.Number = 3
)

type fieldsEncoder struct {
	w   *bufio.Writer
	buf []byte
}

func newFieldsEncoder(w io.Writer) *fieldsEncoder {
	return &fieldsEncoder{w: bufio.NewWriter(w)}
}

func (enc *fieldsEncoder) Encode(e event.Event) error {
	fe, ok := e.(*event.FieldEvent)
	if !ok {
		return wrongKind(TypeFields, e)
	}

	msg, err := appendFieldEvent(nil, fe)
	if err != nil {
		return err
	}

	enc.buf = protowire.AppendVarint(enc.buf[:0], uint64(len(msg)))
	enc.buf = append(enc.buf, msg...)

	_, err = enc.w.Write(enc.buf)
	return err
}

func (enc *fieldsEncoder) Flush() error {
	return enc.w.Flush()
}

func appendFieldEvent(b []byte, e *event.FieldEvent) ([]byte, error) {
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, e.EventName)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.EventTime.UnixNano()))

	var entry []byte
	for _, f := range e.Fields {
		entry = protowire.AppendTag(entry[:0], entryID, protowire.VarintType)
		entry = protowire.AppendVarint(entry, protowire.EncodeZigZag(int64(f.ID)))
		entry = protowire.AppendTag(entry, entryKind, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(f.Kind))

		switch f.Kind {
		case event.KindString:
			entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
			entry = protowire.AppendString(entry, f.Str())
		case event.KindBytes:
			entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
			entry = protowire.AppendBytes(entry, f.Bytes())
		case event.KindInt:
			entry = protowire.AppendTag(entry, entryValue, protowire.VarintType)
			entry = protowire.AppendVarint(entry, protowire.EncodeZigZag(f.Int()))
		case event.KindBool:
			entry = protowire.AppendTag(entry, entryValue, protowire.VarintType)
			entry = protowire.AppendVarint(entry, protowire.EncodeBool(f.Bool()))
		case event.KindFloat:
			entry = protowire.AppendTag(entry, entryValue, protowire.Fixed64Type)
			entry = protowire.AppendFixed64(entry, math.Float64bits(f.Float()))
		default:
			return nil, fmt.Errorf("field %d: unknown kind %s", f.ID, f.Kind)
		}

		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return b, nil
}

type fieldsDecoder struct {
	r   *bufio.Reader
	buf []byte
}

func newFieldsDecoder(r io.Reader) *fieldsDecoder {
	return &fieldsDecoder{r: bufio.NewReader(r)}
}

func (dec *fieldsDecoder) Decode() (event.Event, error) {
	size, err := binary.ReadUvarint(dec.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record length: %w", err)
	}
	if size > MaxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds limit %d", size, MaxRecordSize)
	}

	if cap(dec.buf) < int(size) {
		dec.buf = make([]byte, size)
	}
	dec.buf = dec.buf[:size]

	if _, err := io.ReadFull(dec.r, dec.buf); err != nil {
		return nil, fmt.Errorf("read record: %w", io.ErrUnexpectedEOF)
	}

	return parseFieldEvent(dec.buf)
}

func parseFieldEvent(b []byte) (*event.FieldEvent, error) {
	e := &event.FieldEvent{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			e.EventName = v
			b = b[n:]

		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			e.EventTime = time.Unix(0, int64(v)).UTC()
			b = b[n:]

		case num == fieldEntry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f, err := parseField(v)
			if err != nil {
				return nil, err
			}
			e.Fields = append(e.Fields, f)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	return e, nil
}

func parseField(b []byte) (event.Field, error) {
	var (
		id     int16
		kind   event.FieldKind
		scalar uint64
		raw    []byte
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return event.Field{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return event.Field{}, protowire.ParseError(n)
			}
			switch num {
			case entryID:
				id = int16(protowire.DecodeZigZag(v))
			case entryKind:
				kind = event.FieldKind(v)
			case entryValue:
				scalar = v
			}
			b = b[n:]

		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return event.Field{}, protowire.ParseError(n)
			}
			if num == entryValue {
				scalar = v
			}
			b = b[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return event.Field{}, protowire.ParseError(n)
			}
			if num == entryValue {
				raw = v
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return event.Field{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	switch kind {
	case event.KindString:
		return event.StringField(id, string(raw)), nil
	case event.KindBytes:
		if raw == nil {
			raw = []byte{}
		}
		return event.BytesField(id, raw), nil
	case event.KindInt:
		return event.IntField(id, protowire.DecodeZigZag(scalar)), nil
	case event.KindBool:
		return event.BoolField(id, protowire.DecodeBool(scalar)), nil
	case event.KindFloat:
		return event.FloatField(id, math.Float64frombits(scalar)), nil
	default:
		return event.Field{}, fmt.Errorf("field %d: unknown kind %s", id, kind)
	}
}
