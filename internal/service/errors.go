package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed             = errors.New("testbed service closed")
	ErrHostNotRegistered  = errors.New("host not registered")
	ErrHostExists         = errors.New("host id already registered with a different spec")
	ErrHostNotLinked      = errors.New("no controller link for host")
	ErrAlreadyLinked      = errors.New("host already linked")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrPeerExists         = errors.New("peer already exists")
	ErrInvalidPeerState   = errors.New("invalid peer state transition")
	ErrServiceNotRunning  = errors.New("service not running in peer")
	ErrSelfConnect        = errors.New("cannot connect a peer to itself")
	ErrInvalidBarrier     = errors.New("invalid barrier")
	ErrBarrierExists      = errors.New("barrier already exists")
	ErrBarrierNotFound    = errors.New("barrier not found")
	ErrNoSlaveFactory     = errors.New("controller links are not supported by this service")
	ErrUnsupportedRequest = errors.New("unsupported request")
)

const errorCodeVersion = "v1"

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrClosed, errorCodeVersion + "/service/closed"},
	{ErrHostNotRegistered, errorCodeVersion + "/host/not_registered"},
	{ErrHostExists, errorCodeVersion + "/host/conflict"},
	{ErrHostNotLinked, errorCodeVersion + "/link/not_linked"},
	{ErrAlreadyLinked, errorCodeVersion + "/link/already_linked"},
	{ErrNoSlaveFactory, errorCodeVersion + "/link/unsupported"},
	{ErrPeerNotFound, errorCodeVersion + "/peer/not_found"},
	{ErrPeerExists, errorCodeVersion + "/peer/already_exists"},
	{ErrInvalidPeerState, errorCodeVersion + "/peer/invalid_state"},
	{ErrServiceNotRunning, errorCodeVersion + "/peer/service_not_running"},
	{ErrSelfConnect, errorCodeVersion + "/overlay/self_connect"},
	{ErrInvalidBarrier, errorCodeVersion + "/barrier/invalid"},
	{ErrBarrierExists, errorCodeVersion + "/barrier/already_exists"},
	{ErrBarrierNotFound, errorCodeVersion + "/barrier/not_found"},
	{ErrUnsupportedRequest, errorCodeVersion + "/validation/unsupported"},
}

// ErrorCode returns the stable wire code for err, or "" if err does not wrap a
// known sentinel.
func ErrorCode(err error) string {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return ""
}

// ErrorFromCode rebuilds an error carrying the sentinel for code so that
// errors.Is works across the transport. Unknown codes yield a plain error.
func ErrorFromCode(code, message string) error {
	for _, entry := range errorCodes {
		if entry.code == code {
			if message == "" || message == entry.err.Error() {
				return entry.err
			}
			message = strings.TrimPrefix(message, entry.err.Error()+": ")
			return fmt.Errorf("%w: %s", entry.err, message)
		}
	}
	if message == "" {
		message = "testbed service error"
	}
	return errors.New(message)
}
