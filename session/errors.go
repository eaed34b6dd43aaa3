package session

import (
	"fmt"
)

// ErrCode identifies a session failure class.
type ErrCode int32

// Session error codes
const (
	ErrCode_NoErr ErrCode = iota
	ErrCode_UnnamedErr

	// ErrCode_Unreachable means the gateway could not be reached within the configured number of retries.
	ErrCode_Unreachable

	// ErrCode_SessionStopped means the session has stopped (or was never started).
	ErrCode_SessionStopped

	// ErrCode_CursorStoreFailed means the session's cursor could not be loaded or persisted.
	ErrCode_CursorStoreFailed

	// ErrCode_ResyncFailed means the resync hook failed after the gateway reported SnapshotRequired.
	ErrCode_ResyncFailed
)

// ErrCode_name maps each ErrCode to its display name.
var ErrCode_name = map[int32]string{
	int32(ErrCode_NoErr):             "NoErr",
	int32(ErrCode_UnnamedErr):        "UnnamedErr",
	int32(ErrCode_Unreachable):       "Unreachable",
	int32(ErrCode_SessionStopped):    "SessionStopped",
	int32(ErrCode_CursorStoreFailed): "CursorStoreFailed",
	int32(ErrCode_ResyncFailed):      "ResyncFailed",
}

func (code ErrCode) String() string {
	if name, exists := ErrCode_name[int32(code)]; exists {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int32(code))
}

// Err is the error type returned by session operations.
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
	if serr, ok := err.(*Err); ok && serr != nil {
		for _, errCode := range errCodes {
			if serr.Code == errCode {
				return true
			}
		}
	}

	return false
}
