package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"math"

	"github.com/kilnvm/kiln/vm"
)

// ---------------------------------------------------------------------------
// Codec: bit-exact binary record format
// ---------------------------------------------------------------------------
//
// Layout:
//
//	[u8 version][u32 table length][records...][u64 CRC-64 checksum]
//
// Each record is [u8 kind tag][kind-specific fields]. Multi-byte
// integers are little-endian; string lengths are unsigned varints. The
// checksum covers every preceding byte and is verified before any
// record content is parsed. Encoding the same graph twice yields
// byte-identical output: field names are pre-sorted by the walker and
// nothing here iterates a map.

// Version is the current record format version. Decoders accept any
// version up to their own.
const Version uint8 = 1

// headerLen is the version byte plus the table-length word; footerLen
// the trailing checksum.
const (
	headerLen = 5
	footerLen = 8
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// Primitive sub-tags.
const (
	primNil    = 0
	primFalse  = 1
	primTrue   = 2
	primInt    = 3
	primFloat  = 4
	primString = 5
)

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes g into a self-contained record. It fails if the
// graph contains a prototype that exceeds the format's field widths;
// such prototypes cannot be built with ProtoBuilder, so in practice
// this only rejects hand-constructed inputs.
func Encode(g *Graph) ([]byte, error) {
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("encode: empty object table")
	}
	if g.Nodes[g.Root()].Kind != NodeFunction {
		return nil, fmt.Errorf("encode: root record is %s, want function", g.Nodes[g.Root()].Kind)
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Nodes)))

	var err error
	for i := range g.Nodes {
		buf, err = appendNode(buf, &g.Nodes[i])
		if err != nil {
			return nil, err
		}
	}

	buf = binary.LittleEndian.AppendUint64(buf, crc64.Checksum(buf, crcTable))
	return buf, nil
}

func appendNode(buf []byte, n *Node) ([]byte, error) {
	buf = append(buf, byte(n.Kind))
	switch n.Kind {
	case NodePrimitive:
		return appendPrim(buf, n.Prim)
	case NodeComposite:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.Elems)))
		for _, ref := range n.Elems {
			buf = binary.LittleEndian.AppendUint32(buf, ref)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.FieldRefs)))
		for i, ref := range n.FieldRefs {
			buf = appendString(buf, n.FieldNames[i])
			buf = binary.LittleEndian.AppendUint32(buf, ref)
		}
		return buf, nil
	case NodeUpvalue:
		if n.Inline {
			buf = append(buf, 1)
			return appendPrim(buf, n.Prim)
		}
		buf = append(buf, 0)
		return binary.LittleEndian.AppendUint32(buf, n.ValueRef), nil
	case NodeFunction:
		buf, err := appendProto(buf, n.Proto)
		if err != nil {
			return nil, err
		}
		if len(n.UpvalRefs) > math.MaxUint8 {
			return nil, fmt.Errorf("encode: %d upvalues in %s exceeds format limit", len(n.UpvalRefs), protoName(n.Proto))
		}
		buf = append(buf, byte(len(n.UpvalRefs)))
		for _, ref := range n.UpvalRefs {
			buf = binary.LittleEndian.AppendUint32(buf, ref)
		}
		return buf, nil
	case NodeBackRef:
		return binary.LittleEndian.AppendUint32(buf, n.Target), nil
	}
	return nil, fmt.Errorf("encode: invalid node kind %d", n.Kind)
}

func appendPrim(buf []byte, v vm.Value) ([]byte, error) {
	switch v.Kind() {
	case vm.KindNil:
		return append(buf, primNil), nil
	case vm.KindBool:
		if v.AsBool() {
			return append(buf, primTrue), nil
		}
		return append(buf, primFalse), nil
	case vm.KindInt:
		buf = append(buf, primInt)
		return binary.LittleEndian.AppendUint64(buf, uint64(v.AsInt())), nil
	case vm.KindFloat:
		buf = append(buf, primFloat)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.AsFloat())), nil
	case vm.KindString:
		buf = append(buf, primString)
		return appendString(buf, v.AsString()), nil
	}
	return nil, fmt.Errorf("encode: %s is not a primitive", v.Kind())
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendProto(buf []byte, p *vm.Proto) ([]byte, error) {
	if p.Arity > math.MaxUint8 || p.NumLocals > math.MaxUint8 ||
		len(p.Upvals) > math.MaxUint8 || len(p.Protos) > math.MaxUint8 {
		return nil, fmt.Errorf("encode: prototype %s exceeds format field widths", protoName(p))
	}
	if len(p.Constants) > math.MaxUint16 {
		return nil, fmt.Errorf("encode: prototype %s has %d constants, limit %d", protoName(p), len(p.Constants), math.MaxUint16)
	}
	buf = appendString(buf, p.Name)
	buf = append(buf, byte(p.Arity), byte(p.NumLocals))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Constants)))
	var err error
	for _, c := range p.Constants {
		buf, err = appendPrim(buf, c)
		if err != nil {
			return nil, err
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Code)))
	buf = append(buf, p.Code...)
	buf = append(buf, byte(len(p.Upvals)))
	for _, u := range p.Upvals {
		buf = appendString(buf, u.Name)
		if u.InStack {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, u.Index)
	}
	buf = append(buf, byte(len(p.Protos)))
	for _, sub := range p.Protos {
		buf, err = appendProto(buf, sub)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type reader struct {
	data []byte
	off  int
}

func (r *reader) corrupt(format string, args ...any) error {
	return &CorruptionError{Reason: fmt.Sprintf(format, args...)}
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, r.corrupt("truncated at offset %d", r.off)
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, r.corrupt("truncated at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, r.corrupt("truncated at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, r.corrupt("truncated at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	n, sz := binary.Uvarint(r.data[r.off:])
	if sz <= 0 {
		return "", r.corrupt("bad string length at offset %d", r.off)
	}
	r.off += sz
	if n > uint64(r.remaining()) {
		return "", r.corrupt("string length %d exceeds remaining data at offset %d", n, r.off)
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(r.remaining()) {
		return nil, r.corrupt("length %d exceeds remaining data at offset %d", n, r.off)
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:])
	r.off += int(n)
	return b, nil
}

// Decode parses a record back into a Graph. The version byte is checked
// first and the checksum second, before any record content is touched;
// structural problems after that point surface as CorruptionError.
func Decode(data []byte) (*Graph, error) {
	if len(data) < headerLen+footerLen {
		return nil, &CorruptionError{Reason: "record shorter than header and checksum"}
	}
	if v := data[0]; v > Version {
		return nil, &VersionMismatchError{Version: v, Supported: Version}
	} else if v == 0 {
		return nil, &CorruptionError{Reason: "version byte is zero"}
	}

	body := data[:len(data)-footerLen]
	want := binary.LittleEndian.Uint64(data[len(data)-footerLen:])
	if got := crc64.Checksum(body, crcTable); got != want {
		return nil, &CorruptionError{Reason: fmt.Sprintf("checksum mismatch: computed %016x, stored %016x", got, want)}
	}

	r := &reader{data: body, off: 1}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, &CorruptionError{Reason: "empty object table"}
	}
	// Every record is at least two bytes, so an absurd count is caught
	// before allocating for it.
	if uint64(count)*2 > uint64(r.remaining()) {
		return nil, &CorruptionError{Reason: fmt.Sprintf("table length %d exceeds record size", count)}
	}

	g := &Graph{Nodes: make([]Node, 0, count)}
	for i := uint32(0); i < count; i++ {
		n, err := readNode(r, i, count)
		if err != nil {
			return nil, err
		}
		g.Nodes = append(g.Nodes, n)
	}
	if r.remaining() != 0 {
		return nil, &CorruptionError{Reason: fmt.Sprintf("%d trailing bytes after object table", r.remaining())}
	}
	if g.Nodes[count-1].Kind != NodeFunction {
		return nil, &CorruptionError{Reason: "root record is not a function descriptor"}
	}
	for i, n := range g.Nodes {
		if n.Kind == NodeBackRef && g.Nodes[n.Target].Kind == NodeBackRef {
			return nil, &CorruptionError{Reason: fmt.Sprintf("back-reference %d targets another back-reference", i)}
		}
	}
	return g, nil
}

// readNode parses one record. idx is the record's own table index:
// every reference except a back-reference target must point strictly
// before it.
func readNode(r *reader, idx, count uint32) (Node, error) {
	tag, err := r.u8()
	if err != nil {
		return Node{}, err
	}

	backward := func(ref uint32) error {
		if ref >= idx {
			return r.corrupt("record %d references %d, which does not precede it", idx, ref)
		}
		return nil
	}

	switch NodeKind(tag) {
	case NodePrimitive:
		v, err := readPrim(r)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: NodePrimitive, Prim: v}, nil

	case NodeComposite:
		n := Node{Kind: NodeComposite}
		nelems, err := r.u32()
		if err != nil {
			return Node{}, err
		}
		for i := uint32(0); i < nelems; i++ {
			ref, err := r.u32()
			if err != nil {
				return Node{}, err
			}
			if err := backward(ref); err != nil {
				return Node{}, err
			}
			n.Elems = append(n.Elems, ref)
		}
		nfields, err := r.u32()
		if err != nil {
			return Node{}, err
		}
		for i := uint32(0); i < nfields; i++ {
			name, err := r.str()
			if err != nil {
				return Node{}, err
			}
			ref, err := r.u32()
			if err != nil {
				return Node{}, err
			}
			if err := backward(ref); err != nil {
				return Node{}, err
			}
			n.FieldNames = append(n.FieldNames, name)
			n.FieldRefs = append(n.FieldRefs, ref)
		}
		return n, nil

	case NodeUpvalue:
		flag, err := r.u8()
		if err != nil {
			return Node{}, err
		}
		if flag == 1 {
			v, err := readPrim(r)
			if err != nil {
				return Node{}, err
			}
			return Node{Kind: NodeUpvalue, Inline: true, Prim: v}, nil
		}
		if flag != 0 {
			return Node{}, r.corrupt("invalid upvalue cell flag %d", flag)
		}
		ref, err := r.u32()
		if err != nil {
			return Node{}, err
		}
		if err := backward(ref); err != nil {
			return Node{}, err
		}
		return Node{Kind: NodeUpvalue, ValueRef: ref}, nil

	case NodeFunction:
		proto, err := readProto(r)
		if err != nil {
			return Node{}, err
		}
		n := Node{Kind: NodeFunction, Proto: proto}
		nup, err := r.u8()
		if err != nil {
			return Node{}, err
		}
		for i := 0; i < int(nup); i++ {
			ref, err := r.u32()
			if err != nil {
				return Node{}, err
			}
			if err := backward(ref); err != nil {
				return Node{}, err
			}
			n.UpvalRefs = append(n.UpvalRefs, ref)
		}
		return n, nil

	case NodeBackRef:
		target, err := r.u32()
		if err != nil {
			return Node{}, err
		}
		if target >= count {
			return Node{}, r.corrupt("back-reference target %d outside object table of %d", target, count)
		}
		if target == idx {
			return Node{}, r.corrupt("back-reference %d targets itself", idx)
		}
		return Node{Kind: NodeBackRef, Target: target}, nil
	}
	return Node{}, r.corrupt("undefined record tag %d at record %d", tag, idx)
}

func readPrim(r *reader) (vm.Value, error) {
	tag, err := r.u8()
	if err != nil {
		return vm.Nil, err
	}
	switch tag {
	case primNil:
		return vm.Nil, nil
	case primFalse:
		return vm.False, nil
	case primTrue:
		return vm.True, nil
	case primInt:
		n, err := r.u64()
		if err != nil {
			return vm.Nil, err
		}
		return vm.Int(int64(n)), nil
	case primFloat:
		bits, err := r.u64()
		if err != nil {
			return vm.Nil, err
		}
		return vm.Float(math.Float64frombits(bits)), nil
	case primString:
		s, err := r.str()
		if err != nil {
			return vm.Nil, err
		}
		return vm.Str(s), nil
	}
	return vm.Nil, r.corrupt("undefined primitive tag %d", tag)
}

func readProto(r *reader) (*vm.Proto, error) {
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	arity, err := r.u8()
	if err != nil {
		return nil, err
	}
	numLocals, err := r.u8()
	if err != nil {
		return nil, err
	}
	p := &vm.Proto{Name: name, Arity: int(arity), NumLocals: int(numLocals)}

	nconsts, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nconsts); i++ {
		c, err := readPrim(r)
		if err != nil {
			return nil, err
		}
		p.Constants = append(p.Constants, c)
	}

	codeLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Code, err = r.bytes(codeLen)
	if err != nil {
		return nil, err
	}

	nup, err := r.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nup); i++ {
		uname, err := r.str()
		if err != nil {
			return nil, err
		}
		inStack, err := r.u8()
		if err != nil {
			return nil, err
		}
		index, err := r.u8()
		if err != nil {
			return nil, err
		}
		p.Upvals = append(p.Upvals, vm.UpvalDesc{Name: uname, InStack: inStack != 0, Index: index})
	}

	nprotos, err := r.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nprotos); i++ {
		sub, err := readProto(r)
		if err != nil {
			return nil, err
		}
		p.Protos = append(p.Protos, sub)
	}
	return p, nil
}
