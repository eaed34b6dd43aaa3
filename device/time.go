package device

import (
	"time"
)

// TimeFS is the UTC in 1/1<<16 seconds elapsed since Jan 1, 1970 UTC ("FS" = fractional seconds)
//
// Shifting this right 16 bits yields standard Unix time, leaving 47 bits for seconds.
type TimeFS int64

// TimeNowFS returns the current time (a standard unix UTC timestamp in 1/1<<16 seconds)
func TimeNowFS() TimeFS {
	return ConvertToTimeFS(time.Now())
}

// ConvertToTimeFS converts the given time.Time into a TimeFS.
func ConvertToTimeFS(t time.Time) TimeFS {
	timeFS := t.Unix() << 16
	frac := uint16((2199 * (uint32(t.Nanosecond()) >> 10)) >> 15)
	return TimeFS(timeFS | int64(frac))
}

// Unix returns the standard unix timestamp (in seconds) of this TimeFS.
func (t TimeFS) Unix() int64 {
	return int64(t) >> 16
}

// Time converts this TimeFS back into a time.Time (at 1/1<<16 second resolution).
func (t TimeFS) Time() time.Time {
	frac := int64(t) & 0xFFFF
	return time.Unix(t.Unix(), (frac*int64(time.Second))>>16).UTC()
}
