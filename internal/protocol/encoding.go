package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned for any frame that cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// Encoder appends varint-prefixed values to a byte slice.
type Encoder struct {
	buf []byte
}

func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) Uint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) Bytes(b []byte) {
	e.Uint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) String(s string) {
	e.Uint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Result returns the encoded bytes. The encoder must not be reused afterwards.
func (e *Encoder) Result() []byte {
	return e.buf
}

// Decoder reads values written by an Encoder.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Uint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrMalformed, d.pos)
	}
	d.pos += n
	return v, nil
}

// Bytes returns a sub-slice of the underlying buffer without copying.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, len(d.buf)-d.pos)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining reports how many bytes have not been consumed yet.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}
