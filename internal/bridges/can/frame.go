package can

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nerrad567/canbridge/internal/conversion"
)

// Classic CAN limits and the kernel's struct can_frame layout.
const (
	// MaxDataLen is the largest classic CAN payload.
	MaxDataLen = 8

	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID uint32 = 0x7FF

	// MaxExtendedID is the largest 29-bit identifier.
	MaxExtendedID uint32 = 0x1FFFFFFF

	// WireSize is the length of struct can_frame: can_id(4) + len(1) +
	// pad/res0/len8_dlc(3) + data(8).
	WireSize = 16

	flagExtended uint32 = 0x80000000
	flagRemote   uint32 = 0x40000000
	flagError    uint32 = 0x20000000

	dataOffset = 8
)

// Frame is one classic CAN frame as seen on the bus.
type Frame struct {
	ID       uint32
	Len      uint8
	Data     [MaxDataLen]byte
	Extended bool

	// Remote marks a remote transmission request (no payload).
	Remote bool

	// Error marks a controller error frame; ID then carries error class bits.
	Error bool
}

// NewFrame builds a data frame from id and data.
//
// Parameters:
//   - id: Frame identifier
//   - data: Payload, at most MaxDataLen bytes
//   - extended: Use the 29-bit identifier format
//
// Returns:
//   - Frame: Validated frame
//   - error: ErrInvalidFrame if the id or payload exceed the limits
func NewFrame(id uint32, data []byte, extended bool) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: %d data bytes", ErrInvalidFrame, len(data))
	}
	f := Frame{ID: id, Len: uint8(len(data)), Extended: extended} //nolint:gosec // bounded above
	copy(f.Data[:], data)
	return f, f.Validate()
}

// FromConversion wraps an encoded translation as a full-length data frame.
func FromConversion(cf conversion.Frame) Frame {
	return Frame{
		ID:       cf.ID,
		Len:      conversion.FrameSize,
		Data:     cf.Data,
		Extended: cf.Extended,
	}
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Validate checks the identifier range and payload length.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: length %d", ErrInvalidFrame, f.Len)
	}
	limit := MaxStandardID
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return fmt.Errorf("%w: id 0x%X exceeds 0x%X", ErrInvalidFrame, f.ID, limit)
	}
	return nil
}

// MarshalBinary encodes the frame as a kernel struct can_frame.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	id := f.ID
	if f.Extended {
		id |= flagExtended
	}
	if f.Remote {
		id |= flagRemote
	}
	if f.Error {
		id |= flagError
	}

	buf := make([]byte, WireSize)
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[dataOffset:], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a kernel struct can_frame. CAN FD frames are
// rejected.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) != WireSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidFrame, len(b), WireSize)
	}

	raw := binary.NativeEndian.Uint32(b[0:4])
	*f = Frame{
		Extended: raw&flagExtended != 0,
		Remote:   raw&flagRemote != 0,
		Error:    raw&flagError != 0,
		Len:      b[4],
	}
	if f.Extended {
		f.ID = raw & MaxExtendedID
	} else {
		f.ID = raw & MaxStandardID
	}
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: length %d", ErrInvalidFrame, f.Len)
	}
	copy(f.Data[:], b[dataOffset:dataOffset+int(f.Len)])
	return nil
}

// String renders the frame in candump compact form, e.g. "123#DEADBEEF",
// "00001310#C8FF00FF00000000" or "123#R".
func (f Frame) String() string {
	var sb strings.Builder
	if f.Extended {
		fmt.Fprintf(&sb, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&sb, "%03X#", f.ID)
	}
	if f.Remote {
		sb.WriteByte('R')
		return sb.String()
	}
	sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return sb.String()
}
