// Package coordinator ties a keypad selection to a payment, a dispense
// command, its outcome, and (on failure) a reversal. It owns the
// machine's single live transaction.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"vendo/catalog"
	"vendo/payment"
	"vendo/protocol"
	"vendo/sales"
	"vendo/vmc"
)

var log = logger.WithField("prefix", "coordinator")

// Link is the slice of the serial session the coordinator drives. The
// session ACKs incoming packets itself; the coordinator never re-ACKs.
type Link interface {
	Enqueue(cmd protocol.Cmd, payload []byte)
	Drain()
	Healthy() bool
}

// Payments is the slice of the gateway client the coordinator uses
type Payments interface {
	Purchase(ctx context.Context, txnID string, amountMinor uint32, currency string) (payment.Result, error)
	Reversal(ctx context.Context, txnID, originalTxnID, reason string) (payment.Result, error)
}

// Catalogue is the price/inventory source of truth
type Catalogue interface {
	Get(selection uint16) (*catalog.Entry, error)
	DecrementInventory(selection uint16) (uint8, error)
}

// Sales receives journal records
type Sales interface {
	Append(sales.Record) error
}

// Config tunes the coordinator
type Config struct {
	// Currency is the ISO 4217 numeric code sent with purchases
	Currency string

	// PurchaseTimeout bounds one payment attempt
	PurchaseTimeout time.Duration

	// PushInventory mirrors inventory to the VMC after each
	// successful dispense
	PushInventory bool
}

func (c *Config) applyDefaults() {
	if c.Currency == "" {
		c.Currency = payment.CurrencyUSD
	}
	if c.PurchaseTimeout == 0 {
		c.PurchaseTimeout = payment.RequestTimeout
	}
}

// Coordinator is the per-machine transaction state machine
type Coordinator struct {
	cfg Config

	link    Link
	pay     Payments
	cat     Catalogue
	journal Sales

	mu        sync.Mutex
	state     State
	current   *Transaction
	cancelPay context.CancelFunc

	// last-accepted SELECT_CANCEL sequence number; the VMC repeats
	// packets it believes unacknowledged
	lastCancelSeq uint8
	seenCancelSeq bool

	accepting bool

	wg sync.WaitGroup
}

// New wires a coordinator to its collaborators
func New(cfg Config, link Link, pay Payments, cat Catalogue, journal Sales) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		link:      link,
		pay:       pay,
		cat:       cat,
		journal:   journal,
		state:     StateIdle,
		accepting: true,
	}
}

// State returns the current machine state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleEvent consumes one decoded VMC event. It is called from the
// link session's read loop and never blocks on I/O: payment dialogs
// run on their own goroutines.
func (c *Coordinator) HandleEvent(e vmc.Event) {
	switch evt := e.(type) {
	case vmc.SelectCancelEvent:
		c.onSelectCancel(evt)
	case vmc.DispenseStatusEvent:
		c.onDispenseStatus(evt)
	case vmc.SelectionInfoEvent:
		log.WithFields(logger.Fields{
			"selection": evt.Info.Selection,
			"price":     evt.Info.Price,
			"inventory": evt.Info.Inventory,
		}).Debug("VMC selection report")
	case vmc.LinkDownEvent:
		c.onLinkDown()
	}
}

func (c *Coordinator) onSelectCancel(evt vmc.SelectCancelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The VMC repeats 0x05 packets with an identical sequence number
	// until it sees our ACK; the session has already ACKed, so a
	// repeat must not touch state
	if c.seenCancelSeq && evt.Seq == c.lastCancelSeq {
		log.WithField("seq", evt.Seq).Debug("Duplicate SELECT_CANCEL suppressed")
		return
	}
	c.lastCancelSeq = evt.Seq
	c.seenCancelSeq = true

	if evt.Selection == 0 {
		c.cancelLocked("cancelled by customer")
		return
	}
	c.beginSaleLocked(evt.Selection)
}

// beginSaleLocked starts the select→pay flow for a keypad selection
func (c *Coordinator) beginSaleLocked(selection uint16) {
	if !c.accepting {
		log.WithField("selection", selection).Info("Shutting down, selection ignored")
		return
	}
	if c.state != StateIdle {
		log.WithFields(logger.Fields{"selection": selection, "state": c.state.String()}).
			Info("Selection ignored, transaction already live")
		return
	}

	c.state = StateSelecting

	entry, err := c.cat.Get(selection)
	if err != nil || entry == nil || entry.PriceMinor == 0 {
		if err != nil {
			log.WithError(err).Error("Catalogue lookup failed")
		} else {
			log.WithField("selection", selection).Warn("Unknown selection or zero price")
		}
		c.toIdleLocked(true)
		return
	}

	txn := &Transaction{
		ID:          newTxnID(time.Now()),
		Selection:   selection,
		AmountMinor: entry.PriceMinor,
		ProductName: entry.ProductName,
		CreatedAt:   time.Now(),
	}
	c.current = txn
	c.state = StatePaying

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PurchaseTimeout)
	c.cancelPay = cancel

	log.WithFields(logger.Fields{
		"txn":       txn.ID,
		"selection": selection,
		"amount":    txn.AmountMinor,
	}).Info("Purchase started")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		res, err := c.pay.Purchase(ctx, txn.ID, txn.AmountMinor, c.cfg.Currency)
		c.onPurchaseResult(txn, res, err)
	}()
}

// onPurchaseResult resumes the state machine when the gateway answers.
// A response landing after a cancel (or any state change) is discarded
// as if declined: no dispense may follow.
func (c *Coordinator) onPurchaseResult(txn *Transaction, res payment.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaying || c.current != txn {
		log.WithField("txn", txn.ID).Info("Late purchase response discarded")
		return
	}
	c.cancelPay = nil

	if err != nil {
		log.WithError(err).WithField("txn", txn.ID).Error("Purchase failed")
		c.record(txn, sales.StatusDeclined, err.Error())
		c.toIdleLocked(true)
		return
	}
	if !res.Approved {
		log.WithField("txn", txn.ID).Info("Purchase declined")
		c.record(txn, sales.StatusDeclined, "gateway declined")
		c.toIdleLocked(true)
		return
	}

	c.record(txn, sales.StatusApproved, "")
	c.state = StateDispensing
	c.link.Enqueue(protocol.CmdDirectDrive, protocol.DirectDrive{
		DropSensor: 1,
		Elevator:   1,
		Selection:  txn.Selection,
	}.Marshal())
	log.WithFields(logger.Fields{"txn": txn.ID, "selection": txn.Selection}).Info("Dispense authorized")
}

func (c *Coordinator) onDispenseStatus(evt vmc.DispenseStatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDispensing || c.current == nil {
		return
	}
	txn := c.current

	switch {
	case evt.Status == protocol.DispenseInProgress:
		log.WithField("txn", txn.ID).Debug("Dispensing in progress")

	case protocol.DispenseOK(evt.Status):
		c.record(txn, sales.StatusSuccess, "")
		remaining, err := c.cat.DecrementInventory(txn.Selection)
		log.WithFields(logger.Fields{"txn": txn.ID, "selection": txn.Selection}).Info("Dispense succeeded")
		c.toIdleLocked(false)
		// Enqueued after the idle drain so it survives the cleanup
		if err != nil {
			log.WithError(err).Error("Inventory decrement failed")
		} else if c.cfg.PushInventory {
			// Keep the VMC's own counter in step; a lost write only
			// skews its sold-out lamp until the next sync
			c.link.Enqueue(protocol.CmdSetInventory, protocol.SetInventory{
				Selection: txn.Selection,
				Inventory: remaining,
			}.Marshal())
		}

	case protocol.DispenseFailed(evt.Status):
		reason := fmt.Sprintf("%s (%02X)", protocol.DispenseStatusName(evt.Status), evt.Status)
		log.WithFields(logger.Fields{"txn": txn.ID, "status": reason}).Error("Dispense failed")
		c.record(txn, sales.StatusError, reason)
		c.state = StateReversing
		c.startReversalLocked(txn, evt.Status)

	default:
		log.WithField("status", evt.Status).Warn("Unknown dispense status")
	}
}

// startReversalLocked refunds the purchase after a failed dispense
func (c *Coordinator) startReversalLocked(txn *Transaction, status uint8) {
	reason := fmt.Sprintf("Product jam error %02X", status)
	reversalID := newTxnID(time.Now())
	if reversalID == txn.ID {
		// Ids are second-granular; step past the purchase's own id
		reversalID = newTxnID(time.Now().Add(time.Second))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PurchaseTimeout)
		defer cancel()

		res, err := c.pay.Reversal(ctx, reversalID, txn.ID, reason)

		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case err != nil:
			log.WithError(err).WithField("txn", txn.ID).Error("Reversal failed")
			c.record(txn, sales.StatusError, "reversal failed: "+err.Error())
		case !res.Approved:
			log.WithField("txn", txn.ID).Error("Reversal declined by gateway")
			c.record(txn, sales.StatusError, "reversal declined")
		default:
			log.WithField("txn", txn.ID).Info("Payment reversed")
			c.record(txn, sales.StatusReversed, reason)
		}
		if c.state == StateReversing && c.current == txn {
			c.toIdleLocked(false)
		}
	}()
}

// cancelLocked unwinds the live transaction on a customer cancel
func (c *Coordinator) cancelLocked(reason string) {
	switch c.state {
	case StateIdle:
		return
	case StatePaying:
		if c.cancelPay != nil {
			c.cancelPay()
			c.cancelPay = nil
		}
		if c.current != nil {
			c.record(c.current, sales.StatusDeclined, reason)
		}
		log.WithField("reason", reason).Info("In-flight purchase cancelled")
		c.toIdleLocked(false)
	case StateSelecting:
		c.toIdleLocked(false)
	default:
		// Dispense is already authorized; the outcome decides the rest
		log.WithField("state", c.state.String()).Debug("Cancel ignored")
	}
}

// onLinkDown unwinds the live transaction when the serial link dies
func (c *Coordinator) onLinkDown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return
	case StateDispensing:
		// The outcome can no longer be observed; refund rather than
		// risk charging for an undelivered product
		txn := c.current
		log.WithField("txn", txn.ID).Warn("Link lost while dispensing, reversing payment")
		c.record(txn, sales.StatusError, "serial link lost during dispense")
		c.state = StateReversing
		c.startReversalLocked(txn, protocol.DispenseTerminated)
	default:
		c.cancelLocked("serial link lost")
	}
}

// toIdleLocked drains the command queue and, when the link is up and
// the unwind was UC-initiated, tells the VMC to clear the selection
func (c *Coordinator) toIdleLocked(emitCancel bool) {
	c.link.Drain()
	if emitCancel && c.link.Healthy() {
		c.link.Enqueue(protocol.CmdSelectCancel, protocol.SelectCancel{Selection: 0}.Marshal())
	}
	c.state = StateIdle
	c.current = nil
	c.cancelPay = nil
}

func (c *Coordinator) record(txn *Transaction, status, reason string) {
	err := c.journal.Append(sales.Record{
		TxnID:       txn.ID,
		Selection:   txn.Selection,
		Status:      status,
		Reason:      reason,
		ProductName: txn.ProductName,
		AmountMinor: txn.AmountMinor,
	})
	if err != nil {
		log.WithError(err).Error("Journal append failed")
	}
}

// Shutdown stops accepting VMC events and unwinds the live
// transaction: an unfinished payment is cancelled, an unobserved
// dispense is reversed. Blocks until in-flight gateway dialogs finish.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.accepting = false
	switch c.state {
	case StateDispensing:
		txn := c.current
		log.WithField("txn", txn.ID).Warn("Shutdown during dispense, reversing payment")
		c.record(txn, sales.StatusError, "shutdown during dispense")
		c.state = StateReversing
		c.startReversalLocked(txn, protocol.DispenseTerminated)
	case StatePaying, StateSelecting:
		c.cancelLocked("shutdown")
	}
	c.mu.Unlock()

	c.wg.Wait()
}
