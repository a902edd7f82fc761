package keystore

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/plan-systems/plan-keyagent/ski"
)

const recordCols = `nickname, user, host, port, key_type, public_key, fingerprint, created_at`

// ValidateNickname returns ErrCode_InvalidArgument if nickname can't name a key.
func ValidateNickname(nickname string) error {
	if len(nickname) == 0 {
		return ski.ErrCode_InvalidArgument.ErrWithMsg("nickname required")
	}
	if len(nickname) > maxNickname {
		return ski.ErrCode_InvalidArgument.ErrWithMsgf("nickname longer than %d bytes", maxNickname)
	}
	if strings.IndexFunc(nickname, unicode.IsControl) >= 0 {
		return ski.ErrCode_InvalidArgument.ErrWithMsg("nickname contains control characters")
	}
	return nil
}

func validateTarget(user, host string, port int) error {
	if port < 1 || port > 65535 {
		return ski.ErrCode_InvalidArgument.ErrWithMsgf("port %d out of range 1-65535", port)
	}
	if strings.IndexFunc(user+host, unicode.IsControl) >= 0 {
		return ski.ErrCode_InvalidArgument.ErrWithMsg("user or host contains control characters")
	}
	return nil
}

// Generate creates and persists a fresh Ed25519 key under nickname, returning its KeyID
// (the SHA256 fingerprint of the public key).
//
// If nickname is taken, ErrCode_DuplicateNickname is returned and the existing record is untouched.
func (st *Store) Generate(ctx context.Context, nickname, user, host string, port int) (string, error) {
	if err := ValidateNickname(nickname); err != nil {
		return "", err
	}
	if err := validateTarget(user, host, port); err != nil {
		return "", err
	}

	// Fail fast before the (relatively) slow key generation.
	if exists, err := st.exists(ctx, nickname); err != nil {
		return "", err
	} else if exists {
		return "", ski.ErrCode_DuplicateNickname.ErrWithMsgf("key %q already exists", nickname)
	}

	comment := ""
	if user != "" || host != "" {
		comment = user + "@" + host
	}
	kp, err := ski.GenerateSSHKey(comment)
	if err != nil {
		return "", err
	}
	defer ski.Zero(kp.PrivKey)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.masterKey == nil {
		return "", errStoreClosed
	}

	sealed, err := st.masterKey.Seal(kp.PrivKey, recordAAD(nickname))
	if err != nil {
		return "", err
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return "", ski.ErrCode_StoreIoError.ErrWithMsgf("failed to begin tx: %v", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO keys (`+recordCols+`, key_material)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nickname, user, host, port,
		kp.PubKey.Type(), kp.AuthorizedKey, kp.Fingerprint,
		time.Now().UnixNano(),
		sealed,
	)
	if err != nil {
		tx.Rollback()
		if isConstraintErr(err) {
			return "", ski.ErrCode_DuplicateNickname.ErrWithMsgf("key %q already exists", nickname)
		}
		return "", ski.ErrCode_StoreIoError.ErrWithMsgf("failed to insert key: %v", err)
	}

	if err = tx.Commit(); err != nil {
		return "", ski.ErrCode_StoreIoError.ErrWithMsgf("failed to commit key: %v", err)
	}

	st.log.Infof(1, "generated key %q (%s)", nickname, kp.Fingerprint)
	return kp.Fingerprint, nil
}

// Get returns the public metadata for nickname after verifying its sealed material is intact.
func (st *Store) Get(ctx context.Context, nickname string) (*KeyRecord, error) {
	var rec *KeyRecord

	err := st.withPrivKey(ctx, nickname, func(inRec *KeyRecord, inPriv []byte) error {
		rec = inRec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes nickname, returning false if there was no such key.
func (st *Store) Delete(ctx context.Context, nickname string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.masterKey == nil {
		return false, errStoreClosed
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return false, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to begin tx: %v", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE nickname = ?`, nickname)
	if err != nil {
		tx.Rollback()
		return false, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to delete key: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return false, ski.ErrCode_StoreIoError.Wrap(err)
	}
	if err = tx.Commit(); err != nil {
		return false, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to commit delete: %v", err)
	}

	if n > 0 {
		st.log.Infof(1, "deleted key %q", nickname)
	}
	return n > 0, nil
}

// List returns every key record ordered by nickname.
func (st *Store) List(ctx context.Context) ([]KeyRecord, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.masterKey == nil {
		return nil, errStoreClosed
	}

	rows, err := st.db.QueryContext(ctx, `SELECT `+recordCols+` FROM keys ORDER BY nickname`)
	if err != nil {
		return nil, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to list keys: %v", err)
	}
	defer rows.Close()

	recs := []KeyRecord{}
	for rows.Next() {
		var rec KeyRecord
		if err = scanRecord(rows, &rec, nil); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, ski.ErrCode_StoreIoError.Wrap(err)
	}
	return recs, nil
}

// Sign signs inData with the private key of nickname, provided its fingerprint is still inFingerprint.
// The key is decrypted only for the duration of the call.
func (st *Store) Sign(ctx context.Context, nickname, inFingerprint string, inData []byte) (*ssh.Signature, error) {
	var sig *ssh.Signature

	err := st.withPrivKey(ctx, nickname, inFingerprint, func(inRec *KeyRecord, inPriv []byte) error {
		var err error
		sig, err = ski.SignWith(inPriv, inData)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Export returns the private key of nickname as a PEM OpenSSH key encrypted under inExportPass,
// provided its fingerprint is still inFingerprint.
func (st *Store) Export(ctx context.Context, nickname, inFingerprint string, inExportPass []byte) ([]byte, error) {
	var pemBytes []byte

	err := st.withPrivKey(ctx, nickname, inFingerprint, func(inRec *KeyRecord, inPriv []byte) error {
		var err error
		pemBytes, err = ski.ExportOpenSSH(inPriv, inRec.User+"@"+inRec.Host, inExportPass)
		return err
	})
	if err != nil {
		return nil, err
	}

	st.log.Infof(0, "exported key %q", nickname)
	return pemBytes, nil
}

func (st *Store) exists(ctx context.Context, nickname string) (bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.db == nil {
		return false, errStoreClosed
	}

	var one int
	err := st.db.QueryRowContext(ctx, `SELECT 1 FROM keys WHERE nickname = ?`, nickname).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to query key: %v", err)
	}
	return true, nil
}

// withPrivKey loads nickname, refuses it unless its fingerprint is inFingerprint, opens its sealed
// material and checks it against the stored public key, then calls inProc.
// The decrypted key is zeroed when inProc returns.
func (st *Store) withPrivKey(
	ctx context.Context,
	nickname string,
	inFingerprint string,
	inProc func(inRec *KeyRecord, inPriv []byte) error,
) error {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.masterKey == nil {
		return errStoreClosed
	}

	var (
		rec    KeyRecord
		sealed []byte
	)
	row := st.db.QueryRowContext(ctx, `SELECT `+recordCols+`, key_material FROM keys WHERE nickname = ?`, nickname)
	if err := scanRecord(row, &rec, &sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ski.ErrCode_NotFound.ErrWithMsgf("no key named %q", nickname)
		}
		return err
	}
	if rec.Fingerprint != inFingerprint {
		return ski.ErrCode_ConfirmationDenied.ErrWithMsgf("key %q is not the key that was approved", nickname)
	}

	priv, err := st.masterKey.Open(sealed, recordAAD(rec.Nickname))
	if err != nil {
		return ski.ErrCode_CryptoError.ErrWithMsgf("key %q failed integrity check", nickname)
	}
	defer ski.Zero(priv)

	pub, err := parsePubKey(&rec)
	if err != nil {
		return err
	}
	if err = ski.CheckPrivKey(priv, pub); err != nil {
		return ski.ErrCode_CryptoError.ErrWithMsgf("key %q failed integrity check", nickname)
	}

	return inProc(&rec, priv)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, rec *KeyRecord, sealed *[]byte) error {
	var createdAt int64

	dest := []interface{}{
		&rec.Nickname, &rec.User, &rec.Host, &rec.Port,
		&rec.KeyType, &rec.PublicKey, &rec.Fingerprint, &createdAt,
	}
	if sealed != nil {
		dest = append(dest, sealed)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to read key: %v", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return nil
}
