package conversion

import (
	"errors"
	"fmt"
)

// tunnelHeaderSize is the length of the inner identifier carried at the
// start of a tunnelled frame.
const tunnelHeaderSize = 2

// Decoded is the result of translating one frame.
type Decoded struct {
	Entry  *Entry
	Topic  string
	Record Record

	// Truncated lists declared fields that did not fit in the received bytes.
	Truncated []string

	// Unmapped lists enum fields whose code had no symbol.
	Unmapped []string

	// Tunneled is set when the entry was resolved from an inner identifier.
	Tunneled bool
}

// Partial reports whether any declared field is missing from the record.
func (d *Decoded) Partial() bool {
	return len(d.Truncated) > 0 || len(d.Unmapped) > 0
}

// Decode translates a received frame into a record.
//
// Short frames decode to a partial record holding only the fields that fit.
// An enum code with no symbol leaves that field out and decoding continues.
// Data beyond FrameSize bytes is ignored.
//
// Parameters:
//   - id: Received frame identifier
//   - data: Received payload (0 to 8 bytes)
//
// Returns:
//   - *Decoded: Topic and record
//   - error: ErrUnknownFrameID if no entry owns id
func (t *Table) Decode(id uint32, data []byte) (*Decoded, error) {
	entry, ok := t.FindByFrameID(id)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%X", ErrUnknownFrameID, id)
	}
	return DecodeEntry(entry, data), nil
}

// DecodeTunneled behaves like Decode, but when id is unknown and the frame
// carries at least two bytes it reads those bytes as a big-endian inner
// identifier and decodes the remaining payload against that entry.
func (t *Table) DecodeTunneled(id uint32, data []byte) (*Decoded, error) {
	d, err := t.Decode(id, data)
	if err == nil || !errors.Is(err, ErrUnknownFrameID) || len(data) < tunnelHeaderSize {
		return d, err
	}

	inner := uint32(data[0])<<byteShift | uint32(data[1])
	entry, ok := t.FindByFrameID(inner)
	if !ok {
		return nil, err
	}

	d = DecodeEntry(entry, data[tunnelHeaderSize:])
	d.Tunneled = true
	return d, nil
}

// DecodeEntry decodes data against a resolved entry. It never fails: fields
// that cannot be decoded are reported in Truncated or Unmapped.
func DecodeEntry(entry *Entry, data []byte) *Decoded {
	if len(data) > FrameSize {
		data = data[:FrameSize]
	}

	d := &Decoded{
		Entry:  entry,
		Topic:  entry.Topic,
		Record: make(Record, len(entry.Fields)),
	}

	cursor := 0
	for i, f := range entry.Fields {
		end := cursor + f.Width()
		if end > len(data) {
			for _, rest := range entry.Fields[i:] {
				d.Truncated = append(d.Truncated, rest.Name)
			}
			break
		}

		value, err := DecodeField(f, data[cursor:end])
		cursor = end
		if err != nil {
			d.Unmapped = append(d.Unmapped, f.Name)
			continue
		}
		d.Record[f.Name] = value
	}

	return d
}
