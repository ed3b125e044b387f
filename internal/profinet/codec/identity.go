package codec

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

var (
	// PNIO interface UUIDs
	DeviceInterfaceUUID     = uuid.MustParse("DEA00001-6C97-11D1-8271-00A02442DF7D")
	ControllerInterfaceUUID = uuid.MustParse("DEA00002-6C97-11D1-8271-00A02442DF7D")

	objectUUIDPrefix = uuid.MustParse("DEA00000-6C97-11D1-8271-000000000000")
)

// ObjectUUID builds DEA00000-6C97-11D1-8271-IIIIDDDDVVVV where instance,
// device and vendor ID form a big-endian suffix.
func ObjectUUID(vendorID, deviceID, instanceID uint16) uuid.UUID {
	u := objectUUIDPrefix
	binary.BigEndian.PutUint16(u[10:12], instanceID)
	binary.BigEndian.PutUint16(u[12:14], deviceID)
	binary.BigEndian.PutUint16(u[14:16], vendorID)
	return u
}

// SendClockBase is the time unit of SendClockFactor.
const SendClockBase = 31250 * time.Nanosecond

// CycleTime = SendClockFactor x ReductionRatio x 31.25us
func CycleTime(sendClockFactor, reductionRatio uint16) time.Duration {
	return time.Duration(sendClockFactor) * time.Duration(reductionRatio) * SendClockBase
}
