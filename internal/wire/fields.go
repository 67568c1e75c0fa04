package wire

// Field is one decoded tagged field of a protobuf-style message. Only the
// member matching Type is set.
type Field struct {
	Num     int
	Type    Type
	Varint  uint64
	Fixed32 uint32
	Fixed64 uint64
	Bytes   []byte
}

// Int32 reinterprets a fixed32 field as sfixed32.
func (f Field) Int32() int32 { return int32(f.Fixed32) }

// Fields walks every tagged field in msg and calls fn for each. Callers switch
// on f.Num and ignore what they do not recognize, so unknown and reordered
// fields are tolerated. A group wire type or a short buffer stops the walk with
// an error.
func Fields(msg []byte, fn func(f Field) error) error {
	off := 0
	for off < len(msg) {
		num, typ, next, err := Tag(msg, off)
		if err != nil {
			return err
		}
		f := Field{Num: num, Type: typ}
		switch typ {
		case VarintType:
			f.Varint, next, err = Varint(msg, next)
		case Fixed32Type:
			f.Fixed32, next, err = Fixed32(msg, next)
		case Fixed64Type:
			f.Fixed64, next, err = Fixed64(msg, next)
		case BytesType:
			f.Bytes, next, err = Bytes(msg, next)
		default:
			next, err = Skip(msg, next, typ)
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		off = next
	}
	return nil
}
