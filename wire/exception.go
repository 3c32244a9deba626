package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeException serialises a typed application exception payload: a
// u32 class-id length, the class-id bytes, then the opaque exception
// data (spec §6: "Error messages may carry a typed exception payload
// starting with a u32 class discriminator").
func EncodeException(classId string, data []byte) []byte {
	buf := make([]byte, 4+len(classId)+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(classId)))
	copy(buf[4:], classId)
	copy(buf[4+len(classId):], data)
	return buf
}

// DecodeException parses a payload produced by EncodeException.
func DecodeException(buf []byte) (classId string, data []byte, err error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("wire: exception payload shorter than discriminator")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(n) > uint64(len(buf)-4) {
		return "", nil, fmt.Errorf("wire: exception class-id length %d exceeds payload", n)
	}
	classId = string(buf[4 : 4+n])
	data = buf[4+n:]
	return classId, data, nil
}
