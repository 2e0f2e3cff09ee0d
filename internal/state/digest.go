package state

import "github.com/google/uuid"

// Canonical little-endian encoders for record digests. Records append
// themselves to the state digest that feeds the hash chain, so field order
// here is part of the log format.

func appendInt64(buf []byte, v int64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUUID(buf []byte, id uuid.UUID) []byte {
	return append(buf, id[:]...)
}

func appendTag(buf []byte, tag string) []byte {
	buf = append(buf, byte(len(tag)))
	return append(buf, tag...)
}
