package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Wire format. Updates and state vectors share a two-byte header of magic
// and version; all integers are unsigned varints.
//
//	update  := 'U' version count op*
//	op      := client seq lamport kind body
//	insert  := afterClient afterSeq len payload
//	delete  := targetClient targetSeq
//	scratch := len field present [len value]
//	vector  := 'V' version count (client seq)*
const (
	updateMagic  byte = 'U'
	vectorMagic  byte = 'V'
	codecVersion byte = 1
)

// ErrMalformed is returned when update or state-vector bytes cannot be decoded.
var ErrMalformed = errors.New("replica: malformed encoding")

// StateVector maps a client id to the highest contiguous sequence number
// integrated from that client.
type StateVector map[uint64]uint64

// Encode serializes the vector with clients in ascending order.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := []byte{vectorMagic, codecVersion}
	buf = binary.AppendUvarint(buf, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

// DecodeStateVector parses bytes produced by StateVector.Encode. An empty
// input decodes to an empty vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	r := &reader{buf: data}
	if err := r.header(vectorMagic); err != nil {
		return nil, err
	}
	n := r.uvarint()
	for i := uint64(0); i < n && r.err == nil; i++ {
		c := r.uvarint()
		s := r.uvarint()
		sv[c] = s
	}
	if r.err != nil {
		return nil, r.err
	}
	return sv, nil
}

func encodeOps(ops []*op) []byte {
	buf := []byte{updateMagic, codecVersion}
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, o := range ops {
		buf = binary.AppendUvarint(buf, o.ID.Client)
		buf = binary.AppendUvarint(buf, o.ID.Seq)
		buf = binary.AppendUvarint(buf, o.Lamport)
		buf = append(buf, byte(o.Kind))
		switch o.Kind {
		case opInsert:
			buf = binary.AppendUvarint(buf, o.Ref.Client)
			buf = binary.AppendUvarint(buf, o.Ref.Seq)
			buf = appendBytes(buf, o.Payload)
		case opDelete:
			buf = binary.AppendUvarint(buf, o.Ref.Client)
			buf = binary.AppendUvarint(buf, o.Ref.Seq)
		case opScratch:
			buf = appendBytes(buf, []byte(o.Field))
			if o.Payload == nil {
				buf = append(buf, 0)
			} else {
				buf = append(buf, 1)
				buf = appendBytes(buf, o.Payload)
			}
		}
	}
	return buf
}

func decodeOps(data []byte) ([]*op, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := &reader{buf: data}
	if err := r.header(updateMagic); err != nil {
		return nil, err
	}
	n := r.uvarint()
	if r.err == nil && n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: op count %d exceeds input", ErrMalformed, n)
	}
	ops := make([]*op, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		o := &op{}
		o.ID.Client = r.uvarint()
		o.ID.Seq = r.uvarint()
		o.Lamport = r.uvarint()
		o.Kind = opKind(r.next())
		switch o.Kind {
		case opInsert:
			o.Ref.Client = r.uvarint()
			o.Ref.Seq = r.uvarint()
			o.Payload = r.bytes()
		case opDelete:
			o.Ref.Client = r.uvarint()
			o.Ref.Seq = r.uvarint()
		case opScratch:
			o.Field = string(r.bytes())
			if r.next() == 1 {
				o.Payload = r.bytes()
				if o.Payload == nil {
					o.Payload = []byte{}
				}
			}
		default:
			if r.err == nil {
				r.err = fmt.Errorf("%w: unknown op kind %d", ErrMalformed, o.Kind)
			}
		}
		if r.err == nil && (o.ID.Client == 0 || o.ID.Seq == 0) {
			r.err = fmt.Errorf("%w: zero op id", ErrMalformed)
		}
		ops = append(ops, o)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.pos)
	}
	return ops, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// reader latches the first error; subsequent reads return zero values.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) header(magic byte) error {
	if len(r.buf) < 2 || r.buf[0] != magic {
		return fmt.Errorf("%w: bad header", ErrMalformed)
	}
	if r.buf[1] != codecVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, r.buf[1])
	}
	r.pos = 2
	return nil
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.err = fmt.Errorf("%w: truncated varint at %d", ErrMalformed, r.pos)
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) next() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.err = fmt.Errorf("%w: unexpected end of input", ErrMalformed)
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.pos) {
		r.err = fmt.Errorf("%w: length %d exceeds input", ErrMalformed, n)
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:])
	r.pos += int(n)
	return b
}
