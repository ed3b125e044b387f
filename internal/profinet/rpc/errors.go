package rpc

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// ConnectError is a failed Connect. Raw keeps the device's blocks (or
// the fault body) so operators can inspect what the device said.
type ConnectError struct {
	Reason      types.FailureReason
	Status      codec.PNIOStatus
	Raw         []byte
	Diagnostics []string
	Err         error
}

func (e *ConnectError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connect failed (%s)", e.Reason)
	if !e.Status.OK() {
		fmt.Fprintf(&b, ": pnio status %s", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Diagnostics) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Diagnostics, "; "))
	}
	return b.String()
}

func (e *ConnectError) Unwrap() error { return e.Err }

func newConnectError(reason types.FailureReason, err error) *ConnectError {
	return &ConnectError{Reason: reason, Err: err}
}
