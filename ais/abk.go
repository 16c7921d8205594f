package ais

import "strconv"

// AbkResult is the acknowledgement type of an ABK sentence.
type AbkResult int

const (
	AddressedSuccess       AbkResult = 0
	AddressedNoAcknowledge AbkResult = 1
	CouldNotBroadcast      AbkResult = 2
	BroadcastSent          AbkResult = 3
	LateReception          AbkResult = 4
)

func (r AbkResult) String() string {
	switch r {
	case AddressedSuccess:
		return "ADDRESSED_SUCCESS"
	case AddressedNoAcknowledge:
		return "ADDRESSED_NO_ACKNOWLEDGE"
	case CouldNotBroadcast:
		return "COULD_NOT_BROADCAST"
	case BroadcastSent:
		return "BROADCAST_SENT"
	case LateReception:
		return "LATE_RECEPTION"
	default:
		return "UNKNOWN"
	}
}

// Abk acknowledges an ABM or BBM request to local equipment.
type Abk struct {
	Destination uint32 // zero for broadcasts
	Channel     string
	MsgID       int
	Sequence    int
	Result      AbkResult
}

// Encode returns the $AIABK sentence.
func (a Abk) Encode() string {
	dest := ""
	if a.Destination != 0 {
		dest = strconv.FormatUint(uint64(a.Destination), 10)
	}
	return FormatSentence('$', "AIABK",
		dest, a.Channel, strconv.Itoa(a.MsgID), strconv.Itoa(a.Sequence), strconv.Itoa(int(a.Result)))
}
