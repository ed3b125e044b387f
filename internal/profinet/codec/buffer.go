package codec

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Writer appends big-endian fields. PNIO blocks are always big-endian;
// only the RPC and NDR headers follow the DREP byte order.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) U16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) U32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// UUID writes the 16 bytes in network (big-endian) order
func (w *Writer) UUID(u uuid.UUID) {
	w.buf = append(w.buf, u[:]...)
}

// beginBlock writes a block header with a placeholder length and
// returns the offset needed by endBlock.
func (w *Writer) beginBlock(blockType uint16) int {
	start := len(w.buf)
	w.U16(blockType)
	w.U16(0)
	w.U8(BlockVersionHigh)
	w.U8(BlockVersionLow)
	return start
}

// endBlock patches BlockLength: everything after the length field.
func (w *Writer) endBlock(start int) {
	binary.BigEndian.PutUint16(w.buf[start+2:], uint16(len(w.buf)-start-4))
}

// Reader consumes big-endian fields. The first short read sticks as the
// error; later reads return zero values.
type Reader struct {
	buf   []byte
	off   int
	block string
	err   error
}

func NewReader(b []byte, block string) *Reader {
	return &Reader{buf: b, block: block}
}

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Remaining() int { return len(r.buf) - r.off }
func (r *Reader) Offset() int    { return r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = structuralError(r.block, "need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) UUID() uuid.UUID {
	var u uuid.UUID
	if b := r.take(16); b != nil {
		copy(u[:], b)
	}
	return u
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
