package gateway

import (
	"fmt"
)

// ErrCode identifies a gateway failure class.
type ErrCode int32

// Gateway error codes
const (
	ErrCode_NoErr ErrCode = iota
	ErrCode_UnnamedErr

	// ErrCode_SnapshotRequired means the requested cursor is behind the broker's retained window.
	// The subscriber must resync from a full snapshot before subscribing again.
	ErrCode_SnapshotRequired

	// ErrCode_InvalidCursor means the requested cursor is beyond the broker's tail.
	ErrCode_InvalidCursor

	// ErrCode_SlabNotFound means no slab with the requested seq is retained.
	ErrCode_SlabNotFound

	// ErrCode_BrokerStopped means the broker is not running (or is shutting down).
	ErrCode_BrokerStopped

	// ErrCode_AppendFailed means the replay log failed to durably append a published slab.
	ErrCode_AppendFailed

	// ErrCode_SubLagged means a subscriber fell so far behind that its backlog was evicted while it caught up.
	ErrCode_SubLagged

	// ErrCode_TransportFailed means the connection to a remote broker failed (retryable).
	ErrCode_TransportFailed

	// ErrCode_BadConfig means a config file failed to load or validate.
	ErrCode_BadConfig
)

// ErrCode_name maps each ErrCode to its display name.
var ErrCode_name = map[int32]string{
	int32(ErrCode_NoErr):            "NoErr",
	int32(ErrCode_UnnamedErr):       "UnnamedErr",
	int32(ErrCode_SnapshotRequired): "SnapshotRequired",
	int32(ErrCode_InvalidCursor):    "InvalidCursor",
	int32(ErrCode_SlabNotFound):     "SlabNotFound",
	int32(ErrCode_BrokerStopped):    "BrokerStopped",
	int32(ErrCode_AppendFailed):     "AppendFailed",
	int32(ErrCode_SubLagged):        "SubLagged",
	int32(ErrCode_TransportFailed):  "TransportFailed",
	int32(ErrCode_BadConfig):        "BadConfig",
}

func (code ErrCode) String() string {
	if name, exists := ErrCode_name[int32(code)]; exists {
		return name
	}
	return fmt.Sprintf("ErrCode(%d)", int32(code))
}

// Err is the error type returned by gateway operations.
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
	if gerr, ok := err.(*Err); ok && gerr != nil {
		for _, errCode := range errCodes {
			if gerr.Code == errCode {
				return true
			}
		}
	}

	return false
}

// IsFatal returns true if err can't be fixed by reconnecting (i.e. it's not a transport failure).
func IsFatal(err error) bool {
	return IsError(err, ErrCode_SnapshotRequired, ErrCode_InvalidCursor, ErrCode_SubLagged)
}
