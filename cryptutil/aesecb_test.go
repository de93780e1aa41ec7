package cryptutil

import (
	"bytes"
	"crypto/aes"
	"testing"
)

func TestDecryptECBRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plain := []byte("0123456789ABCDEF0123456789ABCDEF")[:32]

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	cipherText := make([]byte, len(plain))
	for off := 0; off < len(plain); off += 16 {
		block.Encrypt(cipherText[off:off+16], plain[off:off+16])
	}

	if err := DecryptECB(cipherText, key); err != nil {
		t.Fatalf("DecryptECB: %v", err)
	}
	if !bytes.Equal(cipherText, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", cipherText, plain)
	}
}

func TestDecryptECBRejectsMisalignedLength(t *testing.T) {
	key := make([]byte, 16)
	if err := DecryptECB(make([]byte, 17), key); err == nil {
		t.Fatal("expected error for non-block-aligned length")
	}
}

func TestPadToBlock(t *testing.T) {
	cases := map[int]int{0: 0, 1: 16, 15: 16, 16: 16, 17: 32, 32: 32}
	for in, want := range cases {
		if got := PadToBlock(in); got != want {
			t.Fatalf("PadToBlock(%d) = %d, want %d", in, got, want)
		}
	}
}
