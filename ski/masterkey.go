package ski

import (
	crypto_rand "crypto/rand"
	"sync"
)

var masterKeyAAD = []byte("keyagent/master-key/v1")

// MasterKey is the store-wide symmetric key protecting every key record.
// It lives in locked memory (where the platform allows) and is zeroed on Destroy.
type MasterKey struct {
	mu     sync.RWMutex
	buf    []byte
	locked bool
}

// NewMasterKey generates a fresh random MasterKey.
func NewMasterKey() (*MasterKey, error) {
	mk := newMasterKeyBuf()
	if _, err := crypto_rand.Read(mk.buf); err != nil {
		mk.Destroy()
		return nil, ErrCode_CryptoError.ErrWithMsg("failed to generate master key")
	}
	return mk, nil
}

func newMasterKeyBuf() *MasterKey {
	mk := &MasterKey{
		buf: make([]byte, SymKeySz),
	}
	mk.locked = lockMemory(mk.buf) == nil
	return mk
}

// UnwrapMasterKey opens a MasterKey previously sealed with Wrap.
func UnwrapMasterKey(inWrapped, inKEK []byte) (*MasterKey, error) {
	raw, err := Open(inKEK, inWrapped, masterKeyAAD)
	if err != nil {
		return nil, err
	}
	defer Zero(raw)

	if len(raw) != SymKeySz {
		return nil, ErrCode_CryptoError.ErrWithMsg("unwrapped master key has wrong size")
	}

	mk := newMasterKeyBuf()
	copy(mk.buf, raw)
	return mk, nil
}

// Wrap seals the master key under inKEK so it can be persisted.
func (mk *MasterKey) Wrap(inKEK []byte) ([]byte, error) {
	mk.mu.RLock()
	defer mk.mu.RUnlock()

	if mk.buf == nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("master key destroyed")
	}
	return Seal(inKEK, mk.buf, masterKeyAAD)
}

// Seal encrypts inMsg under the master key.
func (mk *MasterKey) Seal(inMsg, inAAD []byte) ([]byte, error) {
	mk.mu.RLock()
	defer mk.mu.RUnlock()

	if mk.buf == nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("master key destroyed")
	}
	return Seal(mk.buf, inMsg, inAAD)
}

// Open decrypts inSealed under the master key.
func (mk *MasterKey) Open(inSealed, inAAD []byte) ([]byte, error) {
	mk.mu.RLock()
	defer mk.mu.RUnlock()

	if mk.buf == nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("master key destroyed")
	}
	return Open(mk.buf, inSealed, inAAD)
}

// Destroy zeroes and unlocks the key.  Further use fails with ErrCode_CryptoError.
func (mk *MasterKey) Destroy() {
	mk.mu.Lock()
	defer mk.mu.Unlock()

	if mk.buf == nil {
		return
	}
	Zero(mk.buf)
	if mk.locked {
		unlockMemory(mk.buf)
		mk.locked = false
	}
	mk.buf = nil
}
