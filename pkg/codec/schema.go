package codec

import (
	"bytes"
	"fmt"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Kind is the wire type of a schema field.
type Kind uint8

const (
	KindU8 Kind = iota + 1
	KindBool
	KindU32
	KindU64
	KindI64
	KindPubkey
	// KindString is a u32 length prefix followed by UTF-8 bytes.
	KindString
	// KindBytes is a fixed-length byte array of Field.Len bytes.
	KindBytes
	// KindArray is Field.Len repetitions of the Field.Elem struct.
	KindArray
)

// Field describes one field in declaration order.
type Field struct {
	Name string
	Kind Kind
	Len  int
	Elem []Field
}

// Schema is a static description of one account record layout.
type Schema struct {
	Name          string
	Version       int
	Discriminator Discriminator
	Fields        []Field
}

// Record holds decoded field values keyed by field name. Values are
// uint8, bool, uint32, uint64, int64, types.Pubkey, string, []byte or
// []Record for arrays.
type Record map[string]any

// MinSize returns the smallest buffer that could hold the record: the
// discriminator plus every fixed-width field, with strings counted empty.
func (s *Schema) MinSize() int {
	return DiscriminatorSize + fieldsSize(s.Fields)
}

func fieldsSize(fields []Field) int {
	n := 0
	for _, f := range fields {
		switch f.Kind {
		case KindU8, KindBool:
			n++
		case KindU32, KindString:
			n += 4
		case KindU64, KindI64:
			n += 8
		case KindPubkey:
			n += 32
		case KindBytes:
			n += f.Len
		case KindArray:
			n += f.Len * fieldsSize(f.Elem)
		}
	}
	return n
}

type decodeConfig struct {
	skipDiscriminator bool
}

// DecodeOption adjusts Decode.
type DecodeOption func(*decodeConfig)

// SkipDiscriminatorCheck reads the 8-byte tag without comparing it.
func SkipDiscriminatorCheck() DecodeOption {
	return func(c *decodeConfig) { c.skipDiscriminator = true }
}

// Decode reads an account record. A zero-length buffer is ErrAccountNotFound;
// anything shorter than the schema needs is a *DecodeError. Trailing bytes
// beyond the schema are ignored, since accounts are often allocated with slack.
func Decode(data []byte, s *Schema, opts ...DecodeOption) (Record, error) {
	var cfg decodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(data) == 0 {
		return nil, ErrAccountNotFound
	}
	if len(data) < s.MinSize() {
		return nil, &DecodeError{
			Schema: s.Name,
			Offset: len(data),
			Err:    fmt.Errorf("%w: need at least %d bytes, got %d", ErrTruncated, s.MinSize(), len(data)),
		}
	}

	r := NewReader(data)
	disc := r.Bytes(DiscriminatorSize)
	if !cfg.skipDiscriminator && !bytes.Equal(disc, s.Discriminator[:]) {
		return nil, &DecodeError{
			Schema: s.Name,
			Offset: 0,
			Err:    fmt.Errorf("%w: got %x, want %x", ErrDiscriminatorMismatch, disc, s.Discriminator[:]),
		}
	}

	rec, err := decodeFields(r, s.Name, s.Fields)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeFields(r *Reader, schema string, fields []Field) (Record, error) {
	rec := make(Record, len(fields))
	for _, f := range fields {
		start := r.Offset()
		var v any
		switch f.Kind {
		case KindU8:
			v = r.U8()
		case KindBool:
			v = r.Bool()
		case KindU32:
			v = r.U32()
		case KindU64:
			v = r.U64()
		case KindI64:
			v = r.I64()
		case KindPubkey:
			v = r.Pubkey()
		case KindString:
			v = r.Str()
		case KindBytes:
			v = r.Bytes(f.Len)
		case KindArray:
			// The element count is part of the schema, never the buffer.
			items := make([]Record, f.Len)
			for i := range items {
				item, err := decodeFields(r, schema, f.Elem)
				if err != nil {
					return nil, err
				}
				items[i] = item
			}
			v = items
		default:
			return nil, &DecodeError{Schema: schema, Field: f.Name, Offset: start, Err: fmt.Errorf("unknown kind %d", f.Kind)}
		}
		if err := r.Err(); err != nil {
			return nil, &DecodeError{Schema: schema, Field: f.Name, Offset: start, Err: err}
		}
		rec[f.Name] = v
	}
	return rec, nil
}

// Encode writes rec in schema order, prefixed by the discriminator.
func Encode(rec Record, s *Schema) ([]byte, error) {
	w := NewWriter(s.MinSize())
	w.Discriminator(s.Discriminator)
	if err := encodeFields(w, rec, s.Fields); err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", s.Name, err)
	}
	return w.Bytes(), nil
}

func encodeFields(w *Writer, rec Record, fields []Field) error {
	for _, f := range fields {
		v, ok := rec[f.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrFieldMissing, f.Name)
		}
		bad := func() error { return fmt.Errorf("%w: %s is %T", ErrFieldType, f.Name, v) }
		switch f.Kind {
		case KindU8:
			x, ok := v.(uint8)
			if !ok {
				return bad()
			}
			w.U8(x)
		case KindBool:
			x, ok := v.(bool)
			if !ok {
				return bad()
			}
			w.Bool(x)
		case KindU32:
			x, ok := v.(uint32)
			if !ok {
				return bad()
			}
			w.U32(x)
		case KindU64:
			x, ok := v.(uint64)
			if !ok {
				return bad()
			}
			w.U64(x)
		case KindI64:
			x, ok := v.(int64)
			if !ok {
				return bad()
			}
			w.I64(x)
		case KindPubkey:
			x, ok := v.(types.Pubkey)
			if !ok {
				return bad()
			}
			w.Pubkey(x)
		case KindString:
			x, ok := v.(string)
			if !ok {
				return bad()
			}
			w.Str(x)
		case KindBytes:
			x, ok := v.([]byte)
			if !ok || len(x) != f.Len {
				return bad()
			}
			w.Raw(x)
		case KindArray:
			items, ok := v.([]Record)
			if !ok || len(items) != f.Len {
				return bad()
			}
			for _, item := range items {
				if err := encodeFields(w, item, f.Elem); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown kind %d for %s", f.Kind, f.Name)
		}
	}
	return nil
}
