package ski

import (
	"fmt"
)

// ErrCode identifies a key store failure class.
type ErrCode int32

// AuthError codes: recoverable by retrying with the right credentials (or by initializing the store first).
const (
	ErrCode_NoErr ErrCode = iota
	ErrCode_UnnamedErr
	ErrCode_BadPassword
	ErrCode_NotInitialized
)

// KeyStoreError codes: recoverable by unlocking again (or by fixing the request).
const (
	ErrCode_HandleRevoked ErrCode = 100 + iota
	ErrCode_KeyNotFound
	ErrCode_AlreadyInitialized
	ErrCode_BadKeyFormat
	ErrCode_StoreFailed
	ErrCode_AssertFailed
)

// ErrCode_name maps each ErrCode to its display name.
var ErrCode_name = map[int32]string{
	int32(ErrCode_NoErr):              "NoErr",
	int32(ErrCode_UnnamedErr):         "UnnamedErr",
	int32(ErrCode_BadPassword):        "BadPassword",
	int32(ErrCode_NotInitialized):     "NotInitialized",
	int32(ErrCode_HandleRevoked):      "HandleRevoked",
	int32(ErrCode_KeyNotFound):        "KeyNotFound",
	int32(ErrCode_AlreadyInitialized): "AlreadyInitialized",
	int32(ErrCode_BadKeyFormat):       "BadKeyFormat",
	int32(ErrCode_StoreFailed):        "StoreFailed",
	int32(ErrCode_AssertFailed):       "AssertFailed",
}

func (code ErrCode) String() string {
	if name, exists := ErrCode_name[int32(code)]; exists {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int32(code))
}

// IsAuthErr returns true if this code belongs to the AuthError class.
func (code ErrCode) IsAuthErr() bool {
	return code == ErrCode_BadPassword || code == ErrCode_NotInitialized
}

// Err is the error type returned by all key store operations.
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
	if perr, ok := err.(*Err); ok && perr != nil {
		for _, errCode := range errCodes {
			if perr.Code == errCode {
				return true
			}
		}
	}

	return false
}
