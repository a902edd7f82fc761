package ski

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyType_Ed25519 is the only key type the agent generates.
const KeyType_Ed25519 = ssh.KeyAlgoED25519

// SSHKeyPair is a freshly generated key pair.  PrivKey must be zeroed by the holder once sealed.
type SSHKeyPair struct {
	PubKey        ssh.PublicKey
	PrivKey       ed25519.PrivateKey
	AuthorizedKey string
	Fingerprint   string
}

// GenerateSSHKey creates a new Ed25519 key pair.
// inComment is appended to the authorized_keys line (e.g. "user@host").
func GenerateSSHKey(inComment string) (*SSHKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("ed25519 key generation failed")
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		Zero(priv)
		return nil, ErrCode_CryptoError.Wrap(err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if inComment != "" {
		line += " " + inComment
	}

	return &SSHKeyPair{
		PubKey:        sshPub,
		PrivKey:       priv,
		AuthorizedKey: line,
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}

// ParseAuthorizedKey parses a stored authorized_keys line.
func ParseAuthorizedKey(inLine string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(inLine))
	if err != nil {
		return nil, ErrCode_CryptoError.ErrWithMsg("bad authorized key line")
	}
	return pub, nil
}

// CheckPrivKey reports whether inPriv is well formed and corresponds to inPub.
func CheckPrivKey(inPriv []byte, inPub ssh.PublicKey) error {
	if len(inPriv) != ed25519.PrivateKeySize {
		return ErrCode_CryptoError.ErrWithMsg("bad private key size")
	}
	derived, err := ssh.NewPublicKey(ed25519.PrivateKey(inPriv).Public())
	if err != nil {
		return ErrCode_CryptoError.Wrap(err)
	}
	if inPub == nil || ssh.FingerprintSHA256(derived) != ssh.FingerprintSHA256(inPub) {
		return ErrCode_CryptoError.ErrWithMsg("private key does not match public key")
	}
	return nil
}

// SignWith produces an SSH signature of inData using the given Ed25519 private key.
func SignWith(inPriv []byte, inData []byte) (*ssh.Signature, error) {
	if len(inPriv) != ed25519.PrivateKeySize {
		return nil, ErrCode_CryptoError.ErrWithMsg("bad private key size")
	}
	signer, err := ssh.NewSignerFromKey(ed25519.PrivateKey(inPriv))
	if err != nil {
		return nil, ErrCode_CryptoError.Wrap(err)
	}
	sig, err := signer.Sign(crypto_rand.Reader, inData)
	if err != nil {
		return nil, ErrCode_CryptoError.Wrap(err)
	}
	return sig, nil
}

// ExportOpenSSH encodes inPriv as a PEM "OPENSSH PRIVATE KEY" block encrypted under inPass.
func ExportOpenSSH(inPriv []byte, inComment string, inPass []byte) ([]byte, error) {
	if len(inPriv) != ed25519.PrivateKeySize {
		return nil, ErrCode_CryptoError.ErrWithMsg("bad private key size")
	}
	if len(inPass) == 0 {
		return nil, ErrCode_InvalidArgument.ErrWithMsg("export passphrase required")
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(ed25519.PrivateKey(inPriv), inComment, inPass)
	if err != nil {
		return nil, ErrCode_CryptoError.Wrap(err)
	}
	return pem.EncodeToMemory(block), nil
}
