package gammascout

import "errors"

var (
	// ErrNoDevice means neither probe got a greeting we recognise.
	ErrNoDevice = errors.New("gammascout: no device found or unsupported protocol")
	// ErrTimeout is returned by the wait helpers. It is not fatal: the
	// device is slow rather than wrong, so callers log it and carry on.
	ErrTimeout = errors.New("gammascout: timed out")
	// ErrChecksum aborts a V2 log transfer.
	ErrChecksum = errors.New("gammascout: checksum error")
	// ErrDisconnected means the line reader stopped because the port failed.
	ErrDisconnected = errors.New("gammascout: device disconnected")
	// ErrStalled means a log transfer saw no new lines for too long.
	ErrStalled = errors.New("gammascout: log transfer stalled")
	// ErrNotConnected is returned for operations on a closed session.
	ErrNotConnected = errors.New("gammascout: not connected")
)
