package crypto_test

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/BunsDev/yobot-engine/pkg/crypto"
)

func TestEIP55KnownVector(t *testing.T) {
	// Checksummed casing from the EIP-55 reference vectors.
	addr := []byte{0x5a, 0xAe, 0xb6, 0x05, 0x3F, 0x3E, 0x94, 0xC9, 0xb9, 0xA0,
		0x9f, 0x33, 0x66, 0x94, 0x35, 0xE7, 0xEf, 0x1B, 0xeA, 0xed}
	if got := crypto.EIP55(addr); got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Errorf("EIP55 = %s, want 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", got)
	}
}

func TestAddressFromUncompressedPubMatchesSigner(t *testing.T) {
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	priv, err := ethcrypto.HexToECDSA(signer.PrivateKeyHex())
	if err != nil {
		t.Fatalf("key parse failed: %v", err)
	}
	pub := ethcrypto.FromECDSAPub(&priv.PublicKey)

	if got := crypto.AddressFromUncompressedPub(pub); got != signer.Address().Hex() {
		t.Errorf("derived %s, want %s", got, signer.Address().Hex())
	}
}

func TestAddressFromUncompressedPubRejectsMalformed(t *testing.T) {
	if got := crypto.AddressFromUncompressedPub([]byte{0x04, 0x01}); got != "" {
		t.Errorf("short pubkey derived %q, want empty", got)
	}
	bad := make([]byte, 65)
	bad[0] = 0x02 // compressed prefix
	if got := crypto.AddressFromUncompressedPub(bad); got != "" {
		t.Errorf("compressed-prefix pubkey derived %q, want empty", got)
	}
}
