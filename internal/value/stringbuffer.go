package value

import "strings"

var TStringBuffer = NewType("stringbuffer", TAny)

// bufferNodeSize mirrors the source's fixed-size linked-block string
// buffer; RAVEL keeps the same chunking strategy (a linked list of
// fixed-capacity byte chunks) rather than a single growing []byte, so
// repeated appends during string interpolation don't repeatedly copy an
// already-large buffer.
const bufferNodeSize = 256

type bufferChunk struct {
	buf  [bufferNodeSize]byte
	n    int
	next *bufferChunk
}

// StringBuffer accumulates bytes across possibly many Append calls (one
// per interpolated segment) before being frozen into a String.
type StringBuffer struct {
	head, tail *bufferChunk
	length     int
}

func NewStringBuffer() *StringBuffer {
	return &StringBuffer{}
}

func (*StringBuffer) Kind() Kind  { return KStringBuffer }
func (*StringBuffer) Type() *Type { return TStringBuffer }

func (b *StringBuffer) writeBytes(p []byte) {
	for len(p) > 0 {
		if b.tail == nil || b.tail.n == bufferNodeSize {
			c := &bufferChunk{}
			if b.tail == nil {
				b.head = c
			} else {
				b.tail.next = c
			}
			b.tail = c
		}
		n := copy(b.tail.buf[b.tail.n:], p)
		b.tail.n += n
		p = p[n:]
		b.length += n
	}
}

// Append serializes v via the multi-dispatch "string" method and writes
// its bytes into the buffer, the way the source's buffer append is
// itself multi-dispatch per value type.
func (b *StringBuffer) Append(v Value) error {
	s, err := ToDisplayString(v)
	if err != nil {
		return err
	}
	b.writeBytes([]byte(s))
	return nil
}

func (b *StringBuffer) String() string {
	var sb strings.Builder
	sb.Grow(b.length)
	for c := b.head; c != nil; c = c.next {
		sb.Write(c.buf[:c.n])
	}
	return sb.String()
}

// ToDisplayString dispatches the "string" method for v, the primitive
// print/concatenation/interpolation machinery builds on.
func ToDisplayString(v Value) (string, error) {
	r, err := Dispatch("string", []Value{v})
	if err != nil {
		return "", err
	}
	sv, ok := r.(*StringValue)
	if !ok {
		return "", nil
	}
	return sv.S, nil
}

func init() {
	Register("append", []*Type{TStringBuffer, TAny}, func(args []Value) (Value, error) {
		b := args[0].(*StringBuffer)
		if err := b.Append(args[1]); err != nil {
			return nil, err
		}
		return b, nil
	})
	Register("string", []*Type{TStringBuffer}, func(args []Value) (Value, error) {
		return NewString(args[0].(*StringBuffer).String()), nil
	})
}
