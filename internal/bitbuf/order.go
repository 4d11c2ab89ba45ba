package bitbuf

import "encoding/binary"

// ByteOrder is the order of a bitfield in the underlying buffer. The zero
// value is an unresolved order.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = iota + 1
	BigEndian
)

func NativeOrder() ByteOrder {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 1 {
		return LittleEndian
	}
	return BigEndian
}

func (o ByteOrder) Valid() bool {
	return o == LittleEndian || o == BigEndian
}

func (o ByteOrder) Binary() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "le"
	case BigEndian:
		return "be"
	default:
		return "unset"
	}
}
