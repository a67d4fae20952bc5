package frame

import (
	"encoding/binary"
	"io"
)

// ReadFrame reads one frame off r. Because the fixed header carries the
// variable-length extra_header and payload lengths, this is a two-stage
// read: the fixed header first, then exactly extra_len+1+payload_len more
// bytes. Any truncation — including a truncation inside the fixed header
// itself — surfaces as ErrShortRead, matching spec.md §4.1 ("ShortRead"
// for a stream that ends mid-frame).
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, ErrShortRead
	}

	extraLen := int(header[4+8+1+1+4+2])
	payloadLen := int(binary.BigEndian.Uint32(header[HeaderSize-4:]))

	rest := make([]byte, extraLen+1+payloadLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, ErrShortRead
	}

	full := append(header, rest...)
	fr, _, err := Decode(full)
	return fr, err
}

// WriteFrame serialises fr and writes it to w in a single call.
func WriteFrame(w io.Writer, fr *Frame) error {
	_, err := w.Write(Encode(fr))
	return err
}
