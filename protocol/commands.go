package protocol

// Cmd is a VMC command code
type Cmd uint8

// Command codes exchanged with the VMC
const (
	CmdCheckSelection   Cmd = 0x01 // UC→VMC query availability
	CmdSelectionStatus  Cmd = 0x02 // VMC→UC response to CHECK_SELECTION
	CmdSelectToBuy      Cmd = 0x03 // UC→VMC authorize dispense
	CmdDispensingStatus Cmd = 0x04 // VMC→UC dispensing outcome
	CmdSelectCancel     Cmd = 0x05 // keypad selection (sel!=0) or cancel (sel=0)
	CmdDirectDrive      Cmd = 0x06 // UC→VMC force-dispense
	CmdSelectionInfo    Cmd = 0x11 // VMC→UC selection report
	CmdSetPrice         Cmd = 0x12 // UC→VMC
	CmdSetInventory     Cmd = 0x13 // UC→VMC
	CmdSetCapacity      Cmd = 0x14 // UC→VMC
	CmdSyncInfo         Cmd = 0x31 // UC→VMC request full catalogue dump
	CmdPoll             Cmd = 0x41 // VMC heartbeat; respond within 100ms
	CmdAck              Cmd = 0x42 // acknowledge, both directions
)

var cmdNames = map[Cmd]string{
	CmdCheckSelection:   "CHECK_SELECTION",
	CmdSelectionStatus:  "SELECTION_STATUS",
	CmdSelectToBuy:      "SELECT_TO_BUY",
	CmdDispensingStatus: "DISPENSING_STATUS",
	CmdSelectCancel:     "SELECT_CANCEL",
	CmdDirectDrive:      "DIRECT_DRIVE",
	CmdSelectionInfo:    "SELECTION_INFO",
	CmdSetPrice:         "SET_PRICE",
	CmdSetInventory:     "SET_INVENTORY",
	CmdSetCapacity:      "SET_CAPACITY",
	CmdSyncInfo:         "SYNC_INFO",
	CmdPoll:             "POLL",
	CmdAck:              "ACK",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Dispensing status codes carried by DISPENSING_STATUS packets
const (
	DispenseSuccess    uint8 = 0x00
	DispenseInProgress uint8 = 0x01
	DispenseSuccessAlt uint8 = 0x02
	DispenseJam        uint8 = 0x03
	DispenseMotorStop  uint8 = 0x04
	DispenseMotorGone  uint8 = 0x06
	DispenseElevator   uint8 = 0x07
	DispenseTerminated uint8 = 0xFF
)

var dispenseNames = map[uint8]string{
	DispenseSuccess:    "success",
	DispenseInProgress: "in progress",
	DispenseSuccessAlt: "success",
	DispenseJam:        "jam",
	DispenseMotorStop:  "motor did not stop",
	DispenseMotorGone:  "motor does not exist",
	DispenseElevator:   "elevator error",
	DispenseTerminated: "terminated",
}

// DispenseStatusName returns a human-readable name for a status code
func DispenseStatusName(status uint8) string {
	if name, ok := dispenseNames[status]; ok {
		return name
	}
	return "unknown"
}

// DispenseOK reports whether status is a terminal success
func DispenseOK(status uint8) bool {
	return status == DispenseSuccess || status == DispenseSuccessAlt
}

// DispenseFailed reports whether status is a terminal failure that
// requires a payment reversal
func DispenseFailed(status uint8) bool {
	switch status {
	case DispenseJam, DispenseMotorStop, DispenseMotorGone, DispenseElevator, DispenseTerminated:
		return true
	}
	return false
}
