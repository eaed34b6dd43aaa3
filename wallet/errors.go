package wallet

import (
	"fmt"
)

// ErrCode identifies a wallet failure class.
type ErrCode int32

// Wallet error codes
const (
	ErrCode_NoErr ErrCode = iota
	ErrCode_UnnamedErr

	// ErrCode_Locked means there is no live key store handle to sign with (call Unlock first).
	ErrCode_Locked

	// ErrCode_Unreachable means the gateway session did not go Live (or the publish did not complete) within
	// SubmitTimeout, or the session has stopped.
	ErrCode_Unreachable

	// ErrCode_SignFailed means the key store could not produce a signature (e.g. no signing key exists yet).
	ErrCode_SignFailed

	// ErrCode_MalformedEnvelope means a slab payload is not a well-formed, correctly signed Envelope.
	ErrCode_MalformedEnvelope

	// ErrCode_BadConfig means a config file failed to load or validate.
	ErrCode_BadConfig
)

// ErrCode_name maps each ErrCode to its display name.
var ErrCode_name = map[int32]string{
	int32(ErrCode_NoErr):             "NoErr",
	int32(ErrCode_UnnamedErr):        "UnnamedErr",
	int32(ErrCode_Locked):            "Locked",
	int32(ErrCode_Unreachable):       "Unreachable",
	int32(ErrCode_SignFailed):        "SignFailed",
	int32(ErrCode_MalformedEnvelope): "MalformedEnvelope",
	int32(ErrCode_BadConfig):         "BadConfig",
}

func (code ErrCode) String() string {
	if name, exists := ErrCode_name[int32(code)]; exists {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int32(code))
}

// Err is the error type returned by wallet operations.
type Err struct {
	Code ErrCode
	Msg  string
}

// Error makes our custom error type conform to a standard Go error
func (err *Err) Error() string {
	codeStr, exists := ErrCode_name[int32(err.Code)]
	if !exists {
		codeStr = ErrCode_name[int32(ErrCode_UnnamedErr)]
	}

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

// Wrap returns a Err with the given error code and "cause" error
func (code ErrCode) Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	return &Err{
		Code: code,
		Msg:  cause.Error(),
	}
}

// IsError tests if the given error is a Err having one of the given error codes.
// If err == nil, this returns false.
func IsError(err error, errCodes ...ErrCode) bool {
	if err == nil {
		return false
	}
	if werr, ok := err.(*Err); ok && werr != nil {
		for _, errCode := range errCodes {
			if werr.Code == errCode {
				return true
			}
		}
	}

	return false
}
