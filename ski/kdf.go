package ski

import (
	crypto_rand "crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// SaltSz is the size of every KDF salt we generate.
const SaltSz = 16

// KDFParams are the argon2id cost parameters used to stretch a passphrase.
type KDFParams struct {
	Time    uint32 // iterations
	Memory  uint32 // in KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultKDF is used when a store is created without explicit parameters.
var DefaultKDF = KDFParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
}

// Validate returns an error if the params are unusable.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.Memory < 8*uint32(p.Threads) || p.Threads == 0 {
		return ErrCode_InvalidArgument.ErrWithMsgf("bad argon2id params {t:%d, m:%d, p:%d}", p.Time, p.Memory, p.Threads)
	}
	if p.KeyLen < 16 {
		return ErrCode_InvalidArgument.ErrWithMsgf("argon2id key length %d too short", p.KeyLen)
	}
	return nil
}

// Derive stretches inPass using inSalt.  The caller owns (and should Zero) the returned buf.
func (p KDFParams) Derive(inPass, inSalt []byte) []byte {
	return argon2.IDKey(inPass, inSalt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// DeriveKey is Derive with the output sized for Seal and Open (SymKeySz).  KeyLen only sizes verifier hashes.
func (p KDFParams) DeriveKey(inPass, inSalt []byte) []byte {
	return argon2.IDKey(inPass, inSalt, p.Time, p.Memory, p.Threads, SymKeySz)
}

// NewSalt returns SaltSz fresh random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSz)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("failed to read random salt")
	}
	return salt, nil
}

// Verifier checks a passphrase without retaining it.  Only the salted argon2id output is kept.
type Verifier struct {
	Params KDFParams
	Salt   []byte
	Hash   []byte
}

// NewVerifier derives a Verifier for inPass using a fresh salt.
// inPass is left untouched; the caller decides when to zero it.
func NewVerifier(inPass []byte, inParams KDFParams) (*Verifier, error) {
	if err := inParams.Validate(); err != nil {
		return nil, err
	}
	if len(inPass) == 0 {
		return nil, ErrCode_InvalidArgument.ErrWithMsg("empty passphrase")
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	return &Verifier{
		Params: inParams,
		Salt:   salt,
		Hash:   inParams.Derive(inPass, salt),
	}, nil
}

// Check reports whether inCandidate derives to the stored hash.
// The comparison is constant-time and the derived buffer is zeroed before returning.
func (v *Verifier) Check(inCandidate []byte) bool {
	if v == nil || len(v.Hash) == 0 {
		return false
	}
	derived := v.Params.Derive(inCandidate, v.Salt)
	match := subtle.ConstantTimeCompare(derived, v.Hash) == 1
	Zero(derived)
	return match
}

