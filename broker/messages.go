package broker

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"vendo/catalog"
)

// Control-plane verbs accepted under vmc/<machine_id>/
const (
	VerbSetPrice           = "set_price"
	VerbSetInventory       = "set_inventory"
	VerbSetCapacity        = "set_capacity"
	VerbGetPrices          = "get_prices"
	VerbGetInventoryByTray = "get_inventory_by_tray"
	VerbGetSales           = "get_sales"
	VerbPing               = "ping"
)

// Response topics (suffixes under vmc/<machine_id>/)
const (
	TopicPriceStatus     = "price_update_status"
	TopicInventoryStatus = "inventory_update_status"
	TopicCapacityStatus  = "capacity_update_status"
	TopicPrices          = "prices"
	TopicInventoryByTray = "inventory_by_tray_status"
	TopicSales           = "sales_update_status"
	TopicPong            = "pong"
)

// VMC broadcast target encodings
const (
	targetAll      = 0
	targetTrayBase = 1000
)

// ErrNoTarget is returned when a command names neither a selection,
// a tray, nor all
var ErrNoTarget = errors.New("broker: command targets nothing")

// commandRequest is the JSON body of a mutating control-plane command.
// Exactly one of Selection, Tray, All targets the cells.
type commandRequest struct {
	Selection *uint16 `json:"selection,omitempty" validate:"omitempty,min=1,max=100"`
	Tray      *uint8  `json:"tray,omitempty" validate:"omitempty,max=9"`
	All       bool    `json:"all,omitempty"`

	Price     *uint64 `json:"price,omitempty" validate:"omitempty,max=4294967295"`
	Inventory *uint16 `json:"inventory,omitempty" validate:"omitempty,max=255"`
	Capacity  *uint16 `json:"capacity,omitempty" validate:"omitempty,max=255"`
}

// target resolves the addressed selections and the single VMC
// broadcast encoding: the cell itself, 1000+tray, or 0 for all.
func (r commandRequest) target() (vmcSelection uint16, cells []uint16, err error) {
	switch {
	case r.Selection != nil:
		return *r.Selection, []uint16{*r.Selection}, nil
	case r.Tray != nil:
		first := uint16(*r.Tray)*catalog.TraySize + 1
		cells = make([]uint16, 0, catalog.TraySize)
		for sel := first; sel < first+catalog.TraySize; sel++ {
			cells = append(cells, sel)
		}
		return targetTrayBase + uint16(*r.Tray), cells, nil
	case r.All:
		cells = make([]uint16, 0, catalog.SelectionMax)
		for sel := uint16(catalog.SelectionMin); sel <= catalog.SelectionMax; sel++ {
			cells = append(cells, sel)
		}
		return targetAll, cells, nil
	}
	return 0, nil, ErrNoTarget
}

// cellResult is one per-cell outcome inside a command response
type cellResult struct {
	Selection uint16 `json:"selection"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// commandResponse is published on the verb's status topic
type commandResponse struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	Results   []cellResult `json:"results"`
	MachineID string       `json:"machine_id"`
	Timestamp int64        `json:"timestamp"`
}

var validate = validator.New()

func (r commandRequest) check() error {
	return validate.Struct(r)
}
