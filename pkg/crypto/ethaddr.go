package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// EIP55 computes the checksummed hex address string from a 20-byte raw
// address. Used when rendering addresses outside go-ethereum types.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		if c >= 'a' && c <= 'f' {
			// uppercase when the corresponding hash nibble >= 8
			nibble := hash[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c -= 'a' - 'A'
			}
		}
		out[2+i] = c
	}
	return string(out)
}

// AddressFromUncompressedPub derives the EIP-55 address string from a
// 65-byte uncompressed secp256k1 pubkey (0x04 || X || Y). Returns "" for
// malformed input.
func AddressFromUncompressedPub(pub []byte) string {
	if len(pub) != 65 || pub[0] != 0x04 {
		return ""
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	sum := h.Sum(nil)
	return EIP55(sum[12:])
}
