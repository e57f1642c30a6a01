package schain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hashicorp/go-msgpack/codec"
)

// Signed values are structs without maps, so a message decoded by a peer
// encodes to the bytes its signature was made over.
var msgpackHandle = &codec.MsgpackHandle{}

func genMsgHashSum(data []byte) ([]byte, error) {
	msgHash := sha256.New()
	_, err := msgHash.Write(data)
	if err != nil {
		return nil, err
	}
	return msgHash.Sum(nil), nil
}

// encode encodes the data into bytes.
// Data can be of any type.
func encode(data interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(data); err != nil {
		return nil, err
	}
	return buf, nil
}

// decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	return codec.NewDecoderBytes(s, msgpackHandle).Decode(data)
}

func (h *BlockHeader) getHash() ([]byte, error) {
	encodedHeader, err := encode(h)
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encodedHeader)
}

func (b *FinalizedBlock) getHashAsString() string {
	return hex.EncodeToString(b.Hash)
}
