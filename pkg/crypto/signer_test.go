package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	// 32 bytes
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for bad key")
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("deposit 10 BHDT"))

	signature, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(signature))
	}
	if v := signature[64]; v != 27 && v != 28 {
		t.Errorf("v = %d, want 27 or 28", v)
	}

	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered address = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	// raw 0/1 recovery ids are accepted too
	raw := append([]byte(nil), signature...)
	raw[64] -= 27
	if !VerifySignature(signer.Address(), hash, raw) {
		t.Error("signature with raw recovery id failed to verify")
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
}

func TestDecodeSignature(t *testing.T) {
	signer, _ := GenerateKey()
	sig, _ := signer.Sign(eth_crypto.Keccak256([]byte("x")))

	decoded, err := DecodeSignature(EncodeSignature(sig))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(sig) {
		t.Error("decoded signature differs")
	}

	if _, err := DecodeSignature("0x1234"); err == nil {
		t.Error("short signature should fail")
	}
	if _, err := DecodeSignature("0xnothex"); err == nil {
		t.Error("non-hex signature should fail")
	}
}
