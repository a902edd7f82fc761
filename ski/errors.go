package ski

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode identifies a class of failure reported by the agent.
// The name of each code (see ErrCode_name) is what travels over the wire as a response's error_kind.
type ErrCode int32

// ErrCode values
const (
	ErrCode_NoErr                   ErrCode = 0
	ErrCode_UnnamedErr              ErrCode = 5000
	ErrCode_AssertFailed            ErrCode = 5001
	ErrCode_Unimplemented           ErrCode = 5002
	ErrCode_InvalidArgument         ErrCode = 5003
	ErrCode_DuplicateNickname       ErrCode = 5010
	ErrCode_NotFound                ErrCode = 5011
	ErrCode_AuthenticationFailed    ErrCode = 5020
	ErrCode_NotAuthenticated        ErrCode = 5021
	ErrCode_SessionClosed           ErrCode = 5022
	ErrCode_TooManySessions         ErrCode = 5023
	ErrCode_ConfirmationDenied      ErrCode = 5024
	ErrCode_StoreIoError            ErrCode = 5030
	ErrCode_StoreNotInitialized     ErrCode = 5031
	ErrCode_StoreAlreadyInitialized ErrCode = 5032
	ErrCode_CryptoError             ErrCode = 5040
)

// ErrCode_name maps an ErrCode to its wire name.
var ErrCode_name = map[int32]string{
	0:    "NoErr",
	5000: "UnnamedErr",
	5001: "AssertFailed",
	5002: "Unimplemented",
	5003: "InvalidArgument",
	5010: "DuplicateNickname",
	5011: "NotFound",
	5020: "AuthenticationFailed",
	5021: "NotAuthenticated",
	5022: "SessionClosed",
	5023: "TooManySessions",
	5024: "ConfirmationDenied",
	5030: "StoreIoError",
	5031: "StoreNotInitialized",
	5032: "StoreAlreadyInitialized",
	5040: "CryptoError",
}

// ErrCode_value maps a wire name back to its ErrCode.
var ErrCode_value = func() map[string]int32 {
	m := make(map[string]int32, len(ErrCode_name))
	for code, name := range ErrCode_name {
		m[name] = code
	}
	return m
}()

// String returns the wire name of the code.
func (code ErrCode) String() string {
	if name, exists := ErrCode_name[int32(code)]; exists {
		return name
	}
	return ErrCode_name[int32(ErrCode_UnnamedErr)]
}

// ErrCodeFromName returns the ErrCode having the given wire name (or ErrCode_UnnamedErr).
func ErrCodeFromName(name string) ErrCode {
	if code, exists := ErrCode_value[name]; exists {
		return ErrCode(code)
	}
	return ErrCode_UnnamedErr
}

// Err is the coded error type used throughout the agent.
type Err struct {
	Code ErrCode
	Msg  string
}

// Error makes our custom error type conform to a standard Go error
func (err *Err) Error() string {
	codeStr := err.Code.String()

	if len(err.Msg) == 0 {
		return codeStr
	}

	return codeStr + ": " + err.Msg
}

// Err returns a Err with the given error code
func (code ErrCode) Err() error {
	if code == ErrCode_NoErr {
		return nil
	}
	return &Err{
		Code: code,
	}
}

// ErrWithMsg returns a Err with the given error code and msg set.
func (code ErrCode) ErrWithMsg(msg string) error {
	if code == ErrCode_NoErr {
		return nil
	}
	return &Err{
		Code: code,
		Msg:  msg,
	}
}

// ErrWithMsgf returns a Err with the given error code and formattable msg set.
func (code ErrCode) ErrWithMsgf(msgFormat string, msgArgs ...interface{}) error {
	if code == ErrCode_NoErr {
		return nil
	}
	return &Err{
		Code: code,
		Msg:  fmt.Sprintf(msgFormat, msgArgs...),
	}
}

// Wrap returns a Err with the given error code and "cause" error.
// If cause is already a *Err, it is returned as is so the original code survives.
func (code ErrCode) Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	var existing *Err
	if errors.As(cause, &existing) {
		return cause
	}
	return &Err{
		Code: code,
		Msg:  cause.Error(),
	}
}

// IsError tests if the given error is a Err having one of the given codes.
// If err == nil, this returns false.
func IsError(err error, errCodes ...ErrCode) bool {
	code := CodeOf(err)
	if code == ErrCode_NoErr {
		return false
	}
	for _, errCode := range errCodes {
		if code == errCode {
			return true
		}
	}
	return false
}

// CodeOf returns the ErrCode carried by err, ErrCode_UnnamedErr for a foreign error, or ErrCode_NoErr for nil.
func CodeOf(err error) ErrCode {
	if err == nil {
		return ErrCode_NoErr
	}
	var perr *Err
	if errors.As(err, &perr) && perr != nil {
		return perr.Code
	}
	return ErrCode_UnnamedErr
}
