package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"unicode/utf8"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// DiscriminatorSize is the length of every record and instruction tag.
const DiscriminatorSize = 8

// Discriminator is the 8-byte type tag prefixing records and payloads.
type Discriminator [DiscriminatorSize]byte

// AccountDiscriminator returns sha256("account:<name>")[:8].
func AccountDiscriminator(name string) Discriminator {
	return hashDiscriminator("account:" + name)
}

// InstructionDiscriminator returns sha256("global:<name>")[:8] for a snake_case name.
func InstructionDiscriminator(name string) Discriminator {
	return hashDiscriminator("global:" + name)
}

func hashDiscriminator(preimage string) Discriminator {
	sum := sha256.Sum256([]byte(preimage))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

// Reader reads little-endian fields from a buffer. The first failure sticks;
// later reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.next(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bool reads a strict 0/1 byte.
func (r *Reader) Bool() bool {
	b := r.next(1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = ErrInvalidBool
		return false
	}
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// I64 reads a little-endian int64.
func (r *Reader) I64() int64 {
	return int64(r.U64())
}

// Pubkey reads a 32-byte address.
func (r *Reader) Pubkey() types.Pubkey {
	b := r.next(32)
	var pk types.Pubkey
	if b != nil {
		copy(pk[:], b)
	}
	return pk
}

// Str reads a u32 length prefix followed by UTF-8 bytes. The declared
// length is bounded by the remaining buffer.
func (r *Reader) Str() string {
	n := r.U32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.err = ErrTruncated
		return ""
	}
	b := r.next(int(n))
	if !utf8.Valid(b) {
		r.err = ErrInvalidUTF8
		return ""
	}
	return string(b)
}

// Writer appends little-endian fields to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Raw appends b verbatim.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Discriminator appends an 8-byte tag.
func (w *Writer) Discriminator(d Discriminator) *Writer {
	return w.Raw(d[:])
}

// U8 appends one byte.
func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

// Bool appends 0 or 1.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

// U32 appends a little-endian uint32.
func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

// I64 appends a little-endian int64.
func (w *Writer) I64(v int64) *Writer {
	return w.U64(uint64(v))
}

// Pubkey appends a 32-byte address.
func (w *Writer) Pubkey(pk types.Pubkey) *Writer {
	return w.Raw(pk[:])
}

// Str appends a u32 length prefix and the UTF-8 bytes.
func (w *Writer) Str(s string) *Writer {
	w.U32(uint32(len(s)))
	return w.Raw([]byte(s))
}

// OptionBool appends a borsh Option<bool>.
func (w *Writer) OptionBool(v *bool) *Writer {
	if v == nil {
		return w.U8(0)
	}
	return w.U8(1).Bool(*v)
}

// OptionI64 appends a borsh Option<i64>.
func (w *Writer) OptionI64(v *int64) *Writer {
	if v == nil {
		return w.U8(0)
	}
	return w.U8(1).I64(*v)
}

// OptionU64 appends a borsh Option<u64>.
func (w *Writer) OptionU64(v *uint64) *Writer {
	if v == nil {
		return w.U8(0)
	}
	return w.U8(1).U64(*v)
}
