package ring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
)

// xorWithMasterKey XORs in with a keystream derived from masterKey,
// wrapping or unwrapping the (fixed-length, 32-byte) File Key under
// the Master Key that masterkey.Provider hands back. AES-CTR is its
// own inverse given the same keystream, so one function serves both
// directions, same pattern as encmmap/cipher.go's ctrCodec.
func xorWithMasterKey(masterKey, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(masterKey)
	iv := sum[:aes.BlockSize]
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(in))
	stream.XORKeyStream(out, in)
	return out, nil
}
