package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Payload layouts for the fixed-format packets. All multi-byte fields
// are big-endian on the wire.

// ErrShortPayload is returned when a packet payload is too short for
// its declared command
var ErrShortPayload = errors.New("protocol: payload too short")

// SelectCancel is the SELECT_CANCEL (0x05) payload. Selection 0 means
// cancel; 1..100 is a keypad selection. UC-originated packets use the
// same layout (selection 0 cancels the customer session).
type SelectCancel struct {
	Selection uint16
}

// Marshal encodes the payload
func (p SelectCancel) Marshal() []byte {
	return []byte{byte(p.Selection >> 8), byte(p.Selection)}
}

// UnmarshalSelectCancel decodes a SELECT_CANCEL payload
func UnmarshalSelectCancel(data []byte) (SelectCancel, error) {
	if len(data) < 2 {
		return SelectCancel{}, errors.Wrap(ErrShortPayload, "SELECT_CANCEL")
	}
	return SelectCancel{Selection: binary.BigEndian.Uint16(data[:2])}, nil
}

// DispenseStatus is the DISPENSING_STATUS (0x04) payload. Some VMC
// firmware revisions omit the selection bytes, so they are optional on
// decode and zero when absent.
type DispenseStatus struct {
	Status    uint8
	Selection uint16
}

// Marshal encodes the payload
func (p DispenseStatus) Marshal() []byte {
	return []byte{p.Status, byte(p.Selection >> 8), byte(p.Selection)}
}

// UnmarshalDispenseStatus decodes a DISPENSING_STATUS payload
func UnmarshalDispenseStatus(data []byte) (DispenseStatus, error) {
	if len(data) < 1 {
		return DispenseStatus{}, errors.Wrap(ErrShortPayload, "DISPENSING_STATUS")
	}
	p := DispenseStatus{Status: data[0]}
	if len(data) >= 3 {
		p.Selection = binary.BigEndian.Uint16(data[1:3])
	}
	return p, nil
}

// SelectionInfo is the SELECTION_INFO (0x11) payload reported by the
// VMC for one selection.
type SelectionInfo struct {
	Selection uint16
	Price     uint32
	Inventory uint8
	Capacity  uint8
	ProductID uint16
	Status    uint8
}

// Marshal encodes the payload
func (p SelectionInfo) Marshal() []byte {
	out := make([]byte, 11)
	binary.BigEndian.PutUint16(out[0:2], p.Selection)
	binary.BigEndian.PutUint32(out[2:6], p.Price)
	out[6] = p.Inventory
	out[7] = p.Capacity
	binary.BigEndian.PutUint16(out[8:10], p.ProductID)
	out[10] = p.Status
	return out
}

// UnmarshalSelectionInfo decodes a SELECTION_INFO payload
func UnmarshalSelectionInfo(data []byte) (SelectionInfo, error) {
	if len(data) < 11 {
		return SelectionInfo{}, errors.Wrap(ErrShortPayload, "SELECTION_INFO")
	}
	return SelectionInfo{
		Selection: binary.BigEndian.Uint16(data[0:2]),
		Price:     binary.BigEndian.Uint32(data[2:6]),
		Inventory: data[6],
		Capacity:  data[7],
		ProductID: binary.BigEndian.Uint16(data[8:10]),
		Status:    data[10],
	}, nil
}

// SelectionStatus is the SELECTION_STATUS (0x02) payload answering a
// CHECK_SELECTION query.
type SelectionStatus struct {
	Selection uint16
	Status    uint8
}

// Marshal encodes the payload
func (p SelectionStatus) Marshal() []byte {
	return []byte{byte(p.Selection >> 8), byte(p.Selection), p.Status}
}

// UnmarshalSelectionStatus decodes a SELECTION_STATUS payload
func UnmarshalSelectionStatus(data []byte) (SelectionStatus, error) {
	if len(data) < 3 {
		return SelectionStatus{}, errors.Wrap(ErrShortPayload, "SELECTION_STATUS")
	}
	return SelectionStatus{
		Selection: binary.BigEndian.Uint16(data[0:2]),
		Status:    data[2],
	}, nil
}

// DirectDrive is the DIRECT_DRIVE (0x06) payload forcing a dispense
type DirectDrive struct {
	DropSensor uint8
	Elevator   uint8
	Selection  uint16
}

// Marshal encodes the payload
func (p DirectDrive) Marshal() []byte {
	return []byte{p.DropSensor, p.Elevator, byte(p.Selection >> 8), byte(p.Selection)}
}

// UnmarshalDirectDrive decodes a DIRECT_DRIVE payload
func UnmarshalDirectDrive(data []byte) (DirectDrive, error) {
	if len(data) < 4 {
		return DirectDrive{}, errors.Wrap(ErrShortPayload, "DIRECT_DRIVE")
	}
	return DirectDrive{
		DropSensor: data[0],
		Elevator:   data[1],
		Selection:  binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// SetPrice is the SET_PRICE (0x12) payload. Selection may be a single
// cell (1..100), a tray broadcast (1000+tray) or 0 for all cells.
type SetPrice struct {
	Selection uint16
	Price     uint32
}

// Marshal encodes the payload
func (p SetPrice) Marshal() []byte {
	out := make([]byte, 6)
	binary.BigEndian.PutUint16(out[0:2], p.Selection)
	binary.BigEndian.PutUint32(out[2:6], p.Price)
	return out
}

// UnmarshalSetPrice decodes a SET_PRICE payload
func UnmarshalSetPrice(data []byte) (SetPrice, error) {
	if len(data) < 6 {
		return SetPrice{}, errors.Wrap(ErrShortPayload, "SET_PRICE")
	}
	return SetPrice{
		Selection: binary.BigEndian.Uint16(data[0:2]),
		Price:     binary.BigEndian.Uint32(data[2:6]),
	}, nil
}

// SetInventory is the SET_INVENTORY (0x13) payload
type SetInventory struct {
	Selection uint16
	Inventory uint8
}

// Marshal encodes the payload
func (p SetInventory) Marshal() []byte {
	return []byte{byte(p.Selection >> 8), byte(p.Selection), p.Inventory}
}

// UnmarshalSetInventory decodes a SET_INVENTORY payload
func UnmarshalSetInventory(data []byte) (SetInventory, error) {
	if len(data) < 3 {
		return SetInventory{}, errors.Wrap(ErrShortPayload, "SET_INVENTORY")
	}
	return SetInventory{
		Selection: binary.BigEndian.Uint16(data[0:2]),
		Inventory: data[2],
	}, nil
}

// SetCapacity is the SET_CAPACITY (0x14) payload
type SetCapacity struct {
	Selection uint16
	Capacity  uint8
}

// Marshal encodes the payload
func (p SetCapacity) Marshal() []byte {
	return []byte{byte(p.Selection >> 8), byte(p.Selection), p.Capacity}
}

// UnmarshalSetCapacity decodes a SET_CAPACITY payload
func UnmarshalSetCapacity(data []byte) (SetCapacity, error) {
	if len(data) < 3 {
		return SetCapacity{}, errors.Wrap(ErrShortPayload, "SET_CAPACITY")
	}
	return SetCapacity{
		Selection: binary.BigEndian.Uint16(data[0:2]),
		Capacity:  data[2],
	}, nil
}

// CheckSelection is the CHECK_SELECTION (0x01) payload
type CheckSelection struct {
	Selection uint16
}

// Marshal encodes the payload
func (p CheckSelection) Marshal() []byte {
	return []byte{byte(p.Selection >> 8), byte(p.Selection)}
}
