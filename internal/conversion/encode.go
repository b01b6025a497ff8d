package conversion

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is the JSON-facing shape of one frame: field name to value.
type Record map[string]any

// Frame is an encoded translation ready for the CAN transport.
type Frame struct {
	ID       uint32
	Data     [FrameSize]byte
	Extended bool
}

// Encode builds the frame for category/subtopic from rec.
//
// Fields are written in declared order starting at byte 0; unused bytes
// stay zero. Any field failure aborts the whole frame so no partially
// defined state reaches the bus.
//
// Parameters:
//   - category, subtopic: First two topic segments
//   - rec: Field values keyed by field name
//
// Returns:
//   - Frame: Exactly FrameSize bytes of data
//   - error: ErrUnknownTopic, or a *FieldError wrapping ErrMissingField,
//     ErrRange, ErrFormat, ErrUnknownSymbol or ErrFrameOverflow
func (t *Table) Encode(category, subtopic string, rec Record) (Frame, error) {
	entry, ok := t.Lookup(category, subtopic)
	if !ok {
		return Frame{}, fmt.Errorf("%w: %s/%s", ErrUnknownTopic, category, subtopic)
	}
	return EncodeEntry(entry, rec)
}

// EncodeEntry encodes rec against a resolved entry.
func EncodeEntry(entry *Entry, rec Record) (Frame, error) {
	frame := Frame{ID: entry.FrameID, Extended: entry.Extended()}

	cursor := 0
	for _, f := range entry.Fields {
		value, ok := rec[f.Name]
		if !ok || value == nil {
			return Frame{}, &FieldError{Topic: entry.Topic, Field: f.Name, Err: ErrMissingField}
		}

		end := cursor + f.Width()
		if end > FrameSize {
			return Frame{}, &FieldError{Topic: entry.Topic, Field: f.Name, Value: value, Err: ErrFrameOverflow}
		}

		if err := EncodeField(f, value, frame.Data[cursor:end]); err != nil {
			return Frame{}, &FieldError{Topic: entry.Topic, Field: f.Name, Value: value, Err: err}
		}
		cursor = end
	}

	return frame, nil
}

// EncodeMessage translates a raw MQTT message into a frame.
//
// The topic must have at least two segments and is resolved with
// LookupTopic, so a command suffix such as "/cmd" is accepted. The payload
// must be a JSON object.
func (t *Table) EncodeMessage(topic string, payload []byte) (Frame, *Entry, error) {
	if _, _, err := SplitTopic(topic); err != nil {
		return Frame{}, nil, err
	}

	entry, ok := t.LookupTopic(topic)
	if !ok {
		return Frame{}, nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	rec, err := ParseRecord(payload)
	if err != nil {
		return Frame{}, entry, err
	}

	frame, err := EncodeEntry(entry, rec)
	if err != nil {
		return Frame{}, entry, err
	}
	return frame, entry, nil
}

// ParseRecord decodes a JSON object payload. Numbers are kept as
// json.Number so large integers survive intact.
func ParseRecord(payload []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrFormat, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrFormat)
	}
	return rec, nil
}
