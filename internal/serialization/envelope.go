package serialization

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/collector/internal/event"
)

// Envelope layout shared by the binary and JSON variants.
const (
	keyName      = "name"
	keyTimestamp = "timestamp"
	keyPayload   = "payload"
)

func toStruct(e *event.EnvelopeEvent) (*structpb.Struct, error) {
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		keyName:      structpb.NewStringValue(e.EventName),
		keyTimestamp: structpb.NewStringValue(e.EventTime.UTC().Format(time.RFC3339Nano)),
	}}

	if e.Payload != nil {
		if err := event.ValidatePayload(e.Payload); err != nil {
			return nil, err
		}
		payload, err := structpb.NewStruct(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("convert payload: %w", err)
		}
		msg.Fields[keyPayload] = structpb.NewStructValue(payload)
	}

	return msg, nil
}

func fromStruct(msg *structpb.Struct, plainText bool) (*event.EnvelopeEvent, error) {
	fields := msg.GetFields()

	ts, err := time.Parse(time.RFC3339Nano, fields[keyTimestamp].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	e := &event.EnvelopeEvent{
		EventName: fields[keyName].GetStringValue(),
		EventTime: ts.UTC(),
		PlainText: plainText,
	}
	if p := fields[keyPayload].GetStructValue(); p != nil {
		e.Payload = p.AsMap()
	}
	return e, nil
}

// =============================================================================
// Binary envelope: length-delimited protobuf Struct messages
// =============================================================================

type envelopeEncoder struct {
	w *bufio.Writer
}

func newEnvelopeEncoder(w io.Writer) *envelopeEncoder {
	return &envelopeEncoder{w: bufio.NewWriter(w)}
}

func (enc *envelopeEncoder) Encode(e event.Event) error {
	env, ok := e.(*event.EnvelopeEvent)
	if !ok {
		return wrongKind(TypeEnvelope, e)
	}

	msg, err := toStruct(env)
	if err != nil {
		return err
	}

	if _, err := protodelim.MarshalTo(enc.w, msg); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (enc *envelopeEncoder) Flush() error {
	return enc.w.Flush()
}

type envelopeDecoder struct {
	r    *bufio.Reader
	opts protodelim.UnmarshalOptions
}

func newEnvelopeDecoder(r io.Reader) *envelopeDecoder {
	return &envelopeDecoder{
		r:    bufio.NewReader(r),
		opts: protodelim.UnmarshalOptions{MaxSize: MaxRecordSize},
	}
}

func (dec *envelopeDecoder) Decode() (event.Event, error) {
	msg := &structpb.Struct{}
	if err := dec.opts.UnmarshalFrom(dec.r, msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return fromStruct(msg, false)
}

// =============================================================================
// JSON envelope: one protojson object per line
// =============================================================================

type jsonEncoder struct {
	w    *bufio.Writer
	opts protojson.MarshalOptions
}

func newJSONEncoder(w io.Writer) *jsonEncoder {
	return &jsonEncoder{w: bufio.NewWriter(w)}
}

func (enc *jsonEncoder) Encode(e event.Event) error {
	env, ok := e.(*event.EnvelopeEvent)
	if !ok {
		return wrongKind(TypeJSON, e)
	}

	msg, err := toStruct(env)
	if err != nil {
		return err
	}

	line, err := enc.opts.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal json envelope: %w", err)
	}

	if _, err := enc.w.Write(line); err != nil {
		return err
	}
	return enc.w.WriteByte('\n')
}

func (enc *jsonEncoder) Flush() error {
	return enc.w.Flush()
}

type jsonDecoder struct {
	r *bufio.Reader
}

func newJSONDecoder(r io.Reader) *jsonDecoder {
	return &jsonDecoder{r: bufio.NewReader(r)}
}

func (dec *jsonDecoder) Decode() (event.Event, error) {
	for {
		line, err := dec.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) == 0 {
			if err != nil {
				if err == io.EOF {
					return nil, io.EOF
				}
				return nil, err
			}
			continue
		}

		if err != nil && err != io.EOF {
			return nil, err
		}

		msg := &structpb.Struct{}
		if err := protojson.Unmarshal(line, msg); err != nil {
			return nil, fmt.Errorf("unmarshal json envelope: %w", err)
		}
		return fromStruct(msg, true)
	}
}
