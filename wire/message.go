package wire

import (
	"encoding/binary"
	"fmt"
)

var (
	// Largest frame we accept: a piece message carrying one block.
	MAX_MESSAGE_LENGTH = 9 + 131072
)

// Request identifies a block as (piece index, byte offset, length).
// The same triple is carried by request and cancel messages.
type Request struct {
	Index  int
	Begin  int
	Length int
}

func DecodeHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have payload of %d bytes", len(payload))
	}
	return int(int32(binary.BigEndian.Uint32(payload))), nil
}

func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) != 12 {
		return Request{}, fmt.Errorf("request payload of %d bytes", len(payload))
	}
	return Request{
		Index:  int(int32(binary.BigEndian.Uint32(payload[0:4]))),
		Begin:  int(int32(binary.BigEndian.Uint32(payload[4:8]))),
		Length: int(int32(binary.BigEndian.Uint32(payload[8:12]))),
	}, nil
}

// DecodePiece splits a piece payload into its block address and the
// block bytes. The byte slice aliases the payload.
func DecodePiece(payload []byte) (index int, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece payload of %d bytes", len(payload))
	}
	index = int(int32(binary.BigEndian.Uint32(payload[0:4])))
	begin = int(int32(binary.BigEndian.Uint32(payload[4:8])))
	return index, begin, payload[8:], nil
}
