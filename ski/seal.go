package ski

import (
	crypto_rand "crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// SymKeySz is the size of every symmetric key used with Seal and Open.
const SymKeySz = chacha20poly1305.KeySize

// Seal encrypts inMsg under inKey (XChaCha20-Poly1305) binding inAAD, returning nonce||ciphertext.
func Seal(inKey, inMsg, inAAD []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(inKey)
	if err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsgf("unexpected key size, want %v, got %v", SymKeySz, len(inKey))
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(inMsg)+aead.Overhead())
	if _, err = crypto_rand.Read(nonce); err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("failed to read random nonce")
	}

	return aead.Seal(nonce, nonce, inMsg, inAAD), nil
}

// Open reverses Seal.  Any tampering with the nonce, ciphertext, or inAAD yields ErrCode_CryptoError and no plaintext.
func Open(inKey, inSealed, inAAD []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(inKey)
	if err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsgf("unexpected key size, want %v, got %v", SymKeySz, len(inKey))
	}
	if len(inSealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrCode_CryptoError.ErrWithMsg("sealed data too short")
	}

	nonce := inSealed[:chacha20poly1305.NonceSizeX]
	msg, err := aead.Open(nil, nonce, inSealed[chacha20poly1305.NonceSizeX:], inAAD)
	if err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("failed to authenticate sealed data")
	}
	return msg, nil
}
