// Package cryptutil implements the AES-ECB block decryption used by both
// container formats. crypto/cipher has no ECB mode (by design — ECB leaks
// structure for general-purpose use) so each 16-byte block is decrypted
// directly against the raw cipher.Block, the same low-level approach the
// corpus's cbcrypto reader takes with crypto/aes + crypto/cipher for its
// own chunked decryption, adapted here from AEAD-per-chunk to bare ECB
// blocks because that is what the PAK/IoStore wire format specifies.
package cryptutil

import (
	"crypto/aes"
	"fmt"

	"pakvfs/pakerr"
)

const blockSize = 16

// DecryptECB decrypts data in place using AES-ECB with key. len(data) must
// be a multiple of 16; key must be 16, 24, or 32 bytes.
func DecryptECB(data []byte, key []byte) error {
	if len(data)%blockSize != 0 {
		return pakerr.New(pakerr.Decryption, "cryptutil.DecryptECB",
			fmt.Errorf("data length %d is not a multiple of %d", len(data), blockSize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return pakerr.New(pakerr.Decryption, "cryptutil.DecryptECB", err)
	}
	buf := make([]byte, blockSize)
	for off := 0; off < len(data); off += blockSize {
		block.Decrypt(buf, data[off:off+blockSize])
		copy(data[off:off+blockSize], buf)
	}
	return nil
}

// PadToBlock rounds n up to the next multiple of the AES block size, used
// when a plaintext length must be padded before an ECB decrypt (IoStore
// encrypted blocks are padded to 16 bytes on write).
func PadToBlock(n int) int {
	if n%blockSize == 0 {
		return n
	}
	return n + (blockSize - n%blockSize)
}
