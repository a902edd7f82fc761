// Package keystore persists nickname-addressed Ed25519 key records in a single SQLite file.
//
// Private key material is sealed under a store-wide master key, which is itself wrapped by a
// key-encryption key derived from the passphrase.  Only the passphrase verifier and the wrapped
// master key are kept alongside the records.
package keystore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/plan"
	"github.com/plan-systems/plan-keyagent/ski"
)

//go:embed schema.sql
var schemaSQL string

const (
	schemaVersion = 1
	maxNickname   = 255
)

// KeyRecord is the public view of a stored key.  It never carries private material.
type KeyRecord struct {
	Nickname    string    `json:"nickname"`
	User        string    `json:"user"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	KeyType     string    `json:"key_type"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is a KeyStore backed by SQLite.
// Mutations are serialized on the write side of mu; reads share the read side.
type Store struct {
	log      ctx.Logger
	pathname string
	db       *sql.DB

	mu        sync.RWMutex
	verifier  *ski.Verifier
	masterKey *ski.MasterKey
}

// Init creates a new store file at pathname protected by inPass.
func Init(pathname string, inPass []byte, inParams ski.KDFParams, log ctx.Logger) (*Store, error) {
	if err := inParams.Validate(); err != nil {
		return nil, err
	}
	if len(inPass) == 0 {
		return nil, ski.ErrCode_InvalidArgument.ErrWithMsg("empty passphrase")
	}

	pathname, err := plan.ExpandFilePath(pathname)
	if err != nil {
		return nil, ski.ErrCode_StoreIoError.Wrap(err)
	}
	if plan.FileExists(pathname) {
		return nil, ski.ErrCode_StoreAlreadyInitialized.ErrWithMsgf("store '%s' already exists", pathname)
	}
	if err = plan.CreatePrivateFile(pathname); err != nil {
		return nil, ski.ErrCode_StoreIoError.Wrap(err)
	}

	st, err := openStore(pathname, log)
	if err != nil {
		removeStoreFiles(pathname)
		return nil, err
	}

	if err = st.initSecret(inPass, inParams); err != nil {
		st.Close()
		removeStoreFiles(pathname)
		return nil, err
	}

	st.log.Infof(0, "initialized key store %v", pathname)
	return st, nil
}

// Open opens an existing store, failing with ErrCode_AuthenticationFailed if inPass is wrong.
func Open(pathname string, inPass []byte, log ctx.Logger) (*Store, error) {
	pathname, err := plan.ExpandFilePath(pathname)
	if err != nil {
		return nil, ski.ErrCode_StoreIoError.Wrap(err)
	}
	if !plan.FileExists(pathname) {
		return nil, ski.ErrCode_StoreNotInitialized.ErrWithMsgf("no store at '%s'", pathname)
	}
	if err = plan.CheckPrivateFile(pathname); err != nil {
		return nil, ski.ErrCode_StoreIoError.Wrap(err)
	}

	st, err := openStore(pathname, log)
	if err != nil {
		return nil, err
	}

	if err = st.unlock(inPass); err != nil {
		st.Close()
		return nil, err
	}

	st.log.Infof(1, "opened key store %v", pathname)
	return st, nil
}

func openStore(pathname string, log ctx.Logger) (*Store, error) {
	if log == nil {
		log = ctx.NewLogger("keystore")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON&_journal_mode=DELETE&_txlock=immediate", pathname)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to open database: %v", err)
	}

	// Writers are serialized by Store.mu, so a few conns are only ever used by concurrent readers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	st := &Store{
		log:      log,
		pathname: pathname,
		db:       db,
	}

	if err = st.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func (st *Store) initSchema() error {
	var version int
	if err := st.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to query schema version: %v", err)
	}

	switch {
	case version == 0:
		st.log.Info(1, "initializing store schema")
		if _, err := st.db.Exec(schemaSQL); err != nil {
			return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to create schema: %v", err)
		}
	case version > schemaVersion:
		return ski.ErrCode_StoreIoError.ErrWithMsgf("store schema version %d is newer than supported (%d)", version, schemaVersion)
	}
	return nil
}

func (st *Store) initSecret(inPass []byte, inParams ski.KDFParams) error {
	verifier, err := ski.NewVerifier(inPass, inParams)
	if err != nil {
		return err
	}

	mk, err := ski.NewMasterKey()
	if err != nil {
		return err
	}

	kekSalt, wrapped, err := wrapMasterKey(mk, inPass, inParams)
	if err != nil {
		mk.Destroy()
		return err
	}

	now := time.Now().UnixNano()
	_, err = st.db.Exec(`
		INSERT INTO secret (
			id, kdf_time, kdf_memory, kdf_threads, kdf_key_len,
			verifier_salt, verifier_hash, kek_salt, wrapped_master_key,
			created_at, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(inParams.Time), int64(inParams.Memory), int64(inParams.Threads), int64(inParams.KeyLen),
		verifier.Salt, verifier.Hash, kekSalt, wrapped,
		now, now,
	)
	if err != nil {
		mk.Destroy()
		if isConstraintErr(err) {
			return ski.ErrCode_StoreAlreadyInitialized.Err()
		}
		return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to write secret: %v", err)
	}

	st.mu.Lock()
	st.verifier = verifier
	st.masterKey = mk
	st.mu.Unlock()
	return nil
}

func (st *Store) unlock(inPass []byte) error {
	var (
		params  ski.KDFParams
		verif   ski.Verifier
		kekSalt []byte
		wrapped []byte
	)

	err := st.db.QueryRow(`
		SELECT kdf_time, kdf_memory, kdf_threads, kdf_key_len,
		       verifier_salt, verifier_hash, kek_salt, wrapped_master_key
		FROM secret WHERE id = 1`,
	).Scan(
		&params.Time, &params.Memory, &params.Threads, &params.KeyLen,
		&verif.Salt, &verif.Hash, &kekSalt, &wrapped,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ski.ErrCode_StoreNotInitialized.ErrWithMsgf("store '%s' has no secret", st.pathname)
	}
	if err != nil {
		return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to read secret: %v", err)
	}
	if err = params.Validate(); err != nil {
		return ski.ErrCode_StoreIoError.ErrWithMsgf("stored kdf params unusable: %v", err)
	}
	verif.Params = params

	if !verif.Check(inPass) {
		return ski.ErrCode_AuthenticationFailed.ErrWithMsg("incorrect passphrase")
	}

	kek := params.DeriveKey(inPass, kekSalt)
	defer ski.Zero(kek)

	mk, err := ski.UnwrapMasterKey(wrapped, kek)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.verifier = &verif
	st.masterKey = mk
	st.mu.Unlock()
	return nil
}

func wrapMasterKey(mk *ski.MasterKey, inPass []byte, inParams ski.KDFParams) (kekSalt, wrapped []byte, err error) {
	kekSalt, err = ski.NewSalt()
	if err != nil {
		return nil, nil, err
	}

	kek := inParams.DeriveKey(inPass, kekSalt)
	defer ski.Zero(kek)

	wrapped, err = mk.Wrap(kek)
	if err != nil {
		return nil, nil, err
	}
	return kekSalt, wrapped, nil
}

// Pathname returns the expanded path of the store file.
func (st *Store) Pathname() string {
	return st.pathname
}

// Verifier returns the passphrase verifier for this store.  Callers must treat it as read-only.
func (st *Store) Verifier() *ski.Verifier {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.verifier
}

// Rekey replaces the passphrase: a new verifier is stored and the master key is rewrapped.
// Key records are untouched.
func (st *Store) Rekey(inNewPass []byte, inParams ski.KDFParams) error {
	if err := inParams.Validate(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.masterKey == nil {
		return errStoreClosed
	}

	verifier, err := ski.NewVerifier(inNewPass, inParams)
	if err != nil {
		return err
	}
	kekSalt, wrapped, err := wrapMasterKey(st.masterKey, inNewPass, inParams)
	if err != nil {
		return err
	}

	_, err = st.db.Exec(`
		UPDATE secret SET
			kdf_time = ?, kdf_memory = ?, kdf_threads = ?, kdf_key_len = ?,
			verifier_salt = ?, verifier_hash = ?, kek_salt = ?, wrapped_master_key = ?,
			updated_at = ?
		WHERE id = 1`,
		int64(inParams.Time), int64(inParams.Memory), int64(inParams.Threads), int64(inParams.KeyLen),
		verifier.Salt, verifier.Hash, kekSalt, wrapped,
		time.Now().UnixNano(),
	)
	if err != nil {
		return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to update secret: %v", err)
	}

	st.verifier = verifier
	st.log.Info(0, "store passphrase changed")
	return nil
}

// Close destroys the in-memory master key and closes the database.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.masterKey != nil {
		st.masterKey.Destroy()
		st.masterKey = nil
	}
	if st.db == nil {
		return nil
	}
	err := st.db.Close()
	st.db = nil
	if err != nil {
		return ski.ErrCode_StoreIoError.Wrap(err)
	}
	return nil
}

var errStoreClosed = ski.ErrCode_StoreIoError.ErrWithMsg("store is closed")

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func removeStoreFiles(pathname string) {
	for _, suffix := range []string{"", "-journal"} {
		os.Remove(pathname + suffix)
	}
}

// recordAAD binds a sealed key to the nickname it was generated under.
func recordAAD(nickname string) []byte {
	return []byte("keyagent/key/v1\x00" + nickname)
}

func parsePubKey(rec *KeyRecord) (ssh.PublicKey, error) {
	return ski.ParseAuthorizedKey(rec.PublicKey)
}
