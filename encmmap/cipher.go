package encmmap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
)

// ctrCodec wraps an AES block cipher so callers can encrypt/decrypt
// at an arbitrary byte offset within the logical stream. Plain
// crypto/cipher.Stream only supports sequential access from offset 0,
// but EncMmap must decrypt page N without having touched pages
// 0..N-1 first, so every call here reseeds the counter from scratch.
type ctrCodec struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

// deriveIV produces a deterministic 16-byte counter seed from the
// file key, so re-opening the same key always yields the same
// keystream. The key itself is opaque (supplied via masterkey.Provider
// unwrapping); no key material beyond what's passed in is needed.
func deriveIV(key []byte) [aes.BlockSize]byte {
	sum := sha256.Sum256(key)
	var iv [aes.BlockSize]byte
	copy(iv[:], sum[:aes.BlockSize])
	return iv
}

func newCTRCodec(key []byte) (*ctrCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ctrCodec{block: block, iv: deriveIV(key)}, nil
}

// XORAt XORs src into dst using the keystream positioned at
// streamOffset bytes into the CTR stream. len(dst) must equal
// len(src); dst and src may be the same slice for in-place XOR.
func (c *ctrCodec) XORAt(dst, src []byte, streamOffset int64) {
	if streamOffset < 0 {
		panic("encmmap: negative stream offset")
	}
	blockSize := int64(aes.BlockSize)
	blockIndex := streamOffset / blockSize
	within := int(streamOffset % blockSize)

	counter := addCounter(c.iv, blockIndex)
	stream := cipher.NewCTR(c.block, counter[:])

	if within > 0 {
		discard := make([]byte, within)
		stream.XORKeyStream(discard, discard)
	}
	stream.XORKeyStream(dst, src)
}

// addCounter treats iv as a 128-bit big-endian counter and returns
// iv+n.
func addCounter(iv [aes.BlockSize]byte, n int64) [aes.BlockSize]byte {
	out := iv
	carry := uint64(n)
	for i := aes.BlockSize - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}
