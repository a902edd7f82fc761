// Package agent implements one authenticated caller session: the state machine, request dispatch
// onto a KeyStore, key-use confirmation, and the gRPC wire definitions shared with clients.
package agent

import (
	"github.com/plan-systems/plan-keyagent/keystore"
)

// Op names a request.
type Op string

// Ops a session understands
const (
	OpAuthenticate Op = "authenticate"
	OpGenerate     Op = "generate"
	OpGet          Op = "get"
	OpDelete       Op = "delete"
	OpList         Op = "list"
	OpConfirm      Op = "confirm"
	OpExport       Op = "export"
)

// Request is one message sent by a client on the Session stream.
type Request struct {
	Op Op `json:"op"`

	// authenticate
	Passphrase []byte `json:"passphrase,omitempty"`

	// generate, get, delete, confirm, export
	Nickname string `json:"nickname,omitempty"`

	// generate
	User string `json:"user,omitempty"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// confirm
	Data    []byte `json:"data,omitempty"`
	Purpose string `json:"purpose,omitempty"`

	// export
	ExportPassphrase []byte `json:"export_passphrase,omitempty"`
}

// Signature is an SSH signature (see golang.org/x/crypto/ssh.Signature).
type Signature struct {
	Format string `json:"format"`
	Blob   []byte `json:"blob"`
}

// Response answers exactly one Request.
type Response struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	// Session status after the request was handled.
	State        string `json:"state"`
	FailureCount int    `json:"failure_count,omitempty"`

	KeyID     string               `json:"key_id,omitempty"`
	Key       *keystore.KeyRecord  `json:"key,omitempty"`
	Keys      []keystore.KeyRecord `json:"keys,omitempty"`
	Removed   bool                 `json:"removed,omitempty"`
	Signature *Signature           `json:"signature,omitempty"`
	Exported  []byte               `json:"exported,omitempty"`
}
