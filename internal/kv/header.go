package kv

import (
	"encoding/binary"
	"errors"
)

// ErrCorrupt is returned when a stored value's trailer is neither a valid
// escape marker nor a valid header discriminator.
var ErrCorrupt = errors.New("kv: corrupt value trailer")

// trailerHeader and trailerEscape are the two-byte trailers distinguishing
// a header record from an escaped single-chunk payload.
var (
	trailerHeader = [2]byte{0x01, 0x00}
	trailerEscape = [2]byte{0x00, 0x00}
)

// headerBodySize is the fixed width of the three u64 fields.
const headerBodySize = 3 * 8

// HeaderSize is the full encoded size of a Header: body + 2-byte trailer.
const HeaderSize = headerBodySize + 2

// Header describes a multi-chunk item: the chunk id range [Beg, End) that
// holds its payload, and the total payload size across those chunks.
type Header struct {
	Beg  uint64
	End  uint64
	Size uint64
}

// NumChunks returns End - Beg.
func (h Header) NumChunks() uint64 { return h.End - h.Beg }

// Encode serializes h as beg‖end‖size‖0x01 0x00.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Beg)
	binary.LittleEndian.PutUint64(buf[8:16], h.End)
	binary.LittleEndian.PutUint64(buf[16:24], h.Size)
	buf[24] = trailerHeader[0]
	buf[25] = trailerHeader[1]
	return buf
}

func decodeHeaderBody(buf []byte) Header {
	return Header{
		Beg:  binary.LittleEndian.Uint64(buf[0:8]),
		End:  binary.LittleEndian.Uint64(buf[8:16]),
		Size: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// EncodeItem applies the escape rule for a single-chunk payload: if the
// payload's last byte is 0x00, an extra 0x00 is appended so the trailer
// can never be confused with a header's 0x01 0x00 discriminator.
func EncodeItem(payload []byte) []byte {
	if len(payload) > 0 && payload[len(payload)-1] == 0x00 {
		out := make([]byte, len(payload)+1)
		copy(out, payload)
		out[len(payload)] = 0x00
		return out
	}
	return payload
}

// Decoded is the result of decoding a queue value: either a plain payload
// or a multi-chunk header, never both.
type Decoded struct {
	Payload []byte
	Header  *Header
}

// DecodeValue inverts EncodeItem/Header.Encode, applying the trailer rule
// from spec §4.1: a trailing 0x00 0x00 is an escaped payload (drop one
// byte), a trailing 0x01 0x00 is a header, anything else ending in
// "X 0x00" where X isn't 0x00 or 0x01 is corrupt.
func DecodeValue(raw []byte) (Decoded, error) {
	if len(raw) < 2 || raw[len(raw)-1] != 0x00 {
		return Decoded{Payload: raw}, nil
	}
	last2 := [2]byte{raw[len(raw)-2], raw[len(raw)-1]}
	switch last2 {
	case trailerEscape:
		return Decoded{Payload: raw[:len(raw)-1]}, nil
	case trailerHeader:
		if len(raw) < HeaderSize {
			return Decoded{}, ErrCorrupt
		}
		h := decodeHeaderBody(raw[len(raw)-HeaderSize : len(raw)-2])
		return Decoded{Header: &h}, nil
	default:
		return Decoded{}, ErrCorrupt
	}
}
