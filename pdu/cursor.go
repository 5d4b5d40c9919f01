package pdu

import (
	"encoding/binary"
	"fmt"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
)

// Reader is a bounds-checked big-endian view over a PDU body.
// The first failure is sticky: later reads return zero values and Err reports it.
type Reader struct {
	buf     []byte
	pos     int
	pduType byte
	err     error
}

// NewReader returns a Reader over b. pduType is only used to label errors.
func NewReader(b []byte, pduType byte) *Reader {
	return &Reader{buf: b, pduType: pduType}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.pos }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) need(field string, n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > r.Remaining() {
		r.fail(dicomerr.NewTruncatedError(r.pduType, field, n, r.Remaining()))
		return false
	}
	return true
}

func (r *Reader) Uint8(field string) byte {
	if !r.need(field, 1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *Reader) Uint16(field string) uint16 {
	if !r.need(field, 2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *Reader) Uint32(field string) uint32 {
	if !r.need(field, 4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(field string, n int) []byte {
	if !r.need(field, n) {
		return nil
	}
	v := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return v
}

// String reads n bytes and trims trailing spaces and NULs.
func (r *Reader) String(field string, n int) string {
	return trimText(r.Bytes(field, n))
}

func (r *Reader) Skip(field string, n int) {
	if r.need(field, n) {
		r.pos += n
	}
}

// Sub returns a reader bounded to the next n bytes and advances past them.
// A declared length larger than what is left fails with a truncation error.
func (r *Reader) Sub(field string, n int) *Reader {
	b := r.Bytes(field, n)
	sub := &Reader{buf: b, pduType: r.pduType}
	if r.err != nil {
		sub.err = r.err
	}
	return sub
}

// Mark is a reserved length placeholder in a Writer.
type Mark struct {
	pos   int
	width int
}

// Writer builds a big-endian PDU body with deferred length backfill.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with capacity hint n.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Finish returns the encoded bytes and the first error encountered.
func (w *Writer) Finish() ([]byte, error) {
	return w.buf, w.err
}

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) SetError(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) Uint8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Bytes(v []byte) {
	w.buf = append(w.buf, v...)
}

func (w *Writer) String(v string) {
	w.buf = append(w.buf, v...)
}

func (w *Writer) Zeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// MarkLength16 reserves a 16-bit length to be filled in by PatchLength.
func (w *Writer) MarkLength16() Mark {
	m := Mark{pos: len(w.buf), width: 2}
	w.Uint16(0)
	return m
}

// MarkLength32 reserves a 32-bit length to be filled in by PatchLength.
func (w *Writer) MarkLength32() Mark {
	m := Mark{pos: len(w.buf), width: 4}
	w.Uint32(0)
	return m
}

// PatchLength writes the number of bytes emitted since m into the placeholder.
func (w *Writer) PatchLength(m Mark) {
	n := len(w.buf) - m.pos - m.width
	switch m.width {
	case 2:
		if n > 0xFFFF {
			w.SetError(fmt.Errorf("item length %d does not fit in 16 bits", n))
			return
		}
		binary.BigEndian.PutUint16(w.buf[m.pos:], uint16(n))
	case 4:
		binary.BigEndian.PutUint32(w.buf[m.pos:], uint32(n))
	}
}
