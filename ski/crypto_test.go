package ski

import (
	"bytes"
	"encoding/pem"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var testKDF = KDFParams{
	Time:    1,
	Memory:  1024,
	Threads: 1,
	KeyLen:  32,
}

func TestVerifier(t *testing.T) {
	v, err := NewVerifier([]byte("correct horse"), testKDF)
	require.NoError(t, err)
	require.Len(t, v.Salt, SaltSz)

	assert.True(t, v.Check([]byte("correct horse")))
	assert.False(t, v.Check([]byte("correct horsf")))
	assert.False(t, v.Check(nil))

	// same pass, fresh salt, different hash
	v2, err := NewVerifier([]byte("correct horse"), testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, v.Hash, v2.Hash)

	var nilV *Verifier
	assert.False(t, nilV.Check([]byte("x")))

	_, err = NewVerifier(nil, testKDF)
	assert.True(t, IsError(err, ErrCode_InvalidArgument))

	_, err = NewVerifier([]byte("x"), KDFParams{Time: 0, Memory: 1024, Threads: 1, KeyLen: 32})
	assert.True(t, IsError(err, ErrCode_InvalidArgument))
}

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, SymKeySz)
	msg := []byte("the quick brown fox")

	sealed, err := Seal(key, msg, []byte("box1"))
	require.NoError(t, err)

	out, err := Open(key, sealed, []byte("box1"))
	require.NoError(t, err)
	assert.Equal(t, msg, out)

	// wrong AAD
	_, err = Open(key, sealed, []byte("box2"))
	assert.True(t, IsError(err, ErrCode_CryptoError))

	// flipped bit
	sealed[len(sealed)-1] ^= 0x01
	out, err = Open(key, sealed, []byte("box1"))
	assert.True(t, IsError(err, ErrCode_CryptoError))
	assert.Nil(t, out)

	_, err = Open(key, []byte{1, 2, 3}, nil)
	assert.True(t, IsError(err, ErrCode_CryptoError))

	_, err = Seal([]byte("short"), msg, nil)
	assert.True(t, IsError(err, ErrCode_CryptoError))
}

func TestMasterKey(t *testing.T) {
	kek := testKDF.Derive([]byte("pass"), bytes.Repeat([]byte{1}, SaltSz))

	mk, err := NewMasterKey()
	require.NoError(t, err)

	wrapped, err := mk.Wrap(kek)
	require.NoError(t, err)

	sealed, err := mk.Seal([]byte("payload"), []byte("aad"))
	require.NoError(t, err)

	mk2, err := UnwrapMasterKey(wrapped, kek)
	require.NoError(t, err)
	out, err := mk2.Open(sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	badKEK := testKDF.Derive([]byte("nope"), bytes.Repeat([]byte{1}, SaltSz))
	_, err = UnwrapMasterKey(wrapped, badKEK)
	assert.True(t, IsError(err, ErrCode_CryptoError))

	mk.Destroy()
	mk.Destroy()
	_, err = mk.Seal([]byte("x"), nil)
	assert.True(t, IsError(err, ErrCode_CryptoError))
	mk2.Destroy()
}

func TestSSHKey(t *testing.T) {
	kp, err := GenerateSSHKey("u@h")
	require.NoError(t, err)
	assert.Equal(t, KeyType_Ed25519, kp.PubKey.Type())
	assert.Contains(t, kp.AuthorizedKey, "ssh-ed25519 ")
	assert.Contains(t, kp.AuthorizedKey, " u@h")
	assert.Contains(t, kp.Fingerprint, "SHA256:")

	pub, err := ParseAuthorizedKey(kp.AuthorizedKey)
	require.NoError(t, err)
	assert.Equal(t, kp.Fingerprint, ssh.FingerprintSHA256(pub))
	require.NoError(t, CheckPrivKey(kp.PrivKey, pub))

	other, err := GenerateSSHKey("")
	require.NoError(t, err)
	assert.True(t, IsError(CheckPrivKey(other.PrivKey, pub), ErrCode_CryptoError))

	data := []byte("sign me")
	sig, err := SignWith(kp.PrivKey, data)
	require.NoError(t, err)
	require.NoError(t, pub.Verify(data, sig))
	assert.Error(t, pub.Verify([]byte("sign you"), sig))

	exported, err := ExportOpenSSH(kp.PrivKey, "u@h", []byte("export-pass"))
	require.NoError(t, err)
	block, _ := pem.Decode(exported)
	require.NotNil(t, block)
	assert.Equal(t, "OPENSSH PRIVATE KEY", block.Type)

	signer, err := ssh.ParsePrivateKeyWithPassphrase(exported, []byte("export-pass"))
	require.NoError(t, err)
	assert.Equal(t, kp.Fingerprint, ssh.FingerprintSHA256(signer.PublicKey()))

	_, err = ssh.ParsePrivateKeyWithPassphrase(exported, []byte("wrong"))
	assert.Error(t, err)

	_, err = ExportOpenSSH(kp.PrivKey, "", nil)
	assert.True(t, IsError(err, ErrCode_InvalidArgument))
}

func TestErrCodes(t *testing.T) {
	err := ErrCode_NotFound.ErrWithMsgf("no key %q", "box1")
	assert.Equal(t, `NotFound: no key "box1"`, err.Error())
	assert.Equal(t, ErrCode_NotFound, CodeOf(err))
	assert.True(t, IsError(err, ErrCode_DuplicateNickname, ErrCode_NotFound))
	assert.False(t, IsError(nil, ErrCode_NotFound))

	assert.Nil(t, ErrCode_NoErr.Err())
	assert.Equal(t, ErrCode_NoErr, CodeOf(nil))
	assert.Equal(t, ErrCode_UnnamedErr, CodeOf(assert.AnError))

	wrapped := ErrCode_StoreIoError.Wrap(err)
	assert.Equal(t, ErrCode_NotFound, CodeOf(wrapped))
	assert.Equal(t, ErrCode_StoreIoError, CodeOf(ErrCode_StoreIoError.Wrap(assert.AnError)))
	assert.Equal(t, ErrCode_NotFound, CodeOf(errors.Wrap(err, "loading box1")))

	for code, name := range ErrCode_name {
		assert.Equal(t, ErrCode(code), ErrCodeFromName(name))
	}
	assert.Equal(t, ErrCode_UnnamedErr, ErrCodeFromName("bogus"))
	assert.Equal(t, "SessionClosed", ErrCode_SessionClosed.String())
}

func TestZero(t *testing.T) {
	buf := []byte("secret")
	Zero(buf)
	assert.Equal(t, make([]byte, 6), buf)
}

func TestDeriveKeySize(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	for _, keyLen := range []uint32{16, 32, 64} {
		p := testKDF
		p.KeyLen = keyLen
		assert.Len(t, p.Derive([]byte("pass"), salt), int(keyLen))

		kek := p.DeriveKey([]byte("pass"), salt)
		require.Len(t, kek, SymKeySz)
		_, err = Seal(kek, []byte("msg"), nil)
		assert.NoError(t, err, "key_len %d", keyLen)
	}
}
