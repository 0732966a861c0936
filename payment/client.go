// Package payment implements the eSocket.POS card terminal client:
// length-prefixed XML request/response over a local TCP socket.
package payment

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

var log = logger.WithField("prefix", "payment")

// ErrNotConnected is returned when a request cannot reach the gateway
var ErrNotConnected = errors.New("payment: not connected to gateway")

const (
	// DefaultAddr is the local eSocket.POS endpoint
	DefaultAddr = "127.0.0.1:23001"

	// RequestTimeout bounds one full request/response exchange
	RequestTimeout = 10 * time.Second

	// extendedHeaderMark flags the 6-byte form of the length prefix
	extendedHeaderMark = 0xFFFF
)

// Result is the outcome of one gateway exchange
type Result struct {
	Approved bool
	Raw      string
}

// Config holds client settings
type Config struct {
	Addr       string
	TerminalID string

	// Timeout overrides RequestTimeout when non-zero
	Timeout time.Duration
}

// Client talks to the payment gateway. It owns the TCP socket
// exclusively; only the transaction coordinator calls its request
// methods. The client connects lazily and drops the socket on any
// error; the caller decides whether and when to retry.
type Client struct {
	cfg  Config
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a client for the configured gateway
func NewClient(cfg Config) *Client {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = RequestTimeout
	}
	return &Client{
		cfg: cfg,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// NewClientWithDialer creates a client whose connections come from
// dial; used by tests.
func NewClientWithDialer(cfg Config, dial func(ctx context.Context, addr string) (net.Conn, error)) *Client {
	c := NewClient(cfg)
	c.dial = dial
	return c
}

// Connected reports whether a gateway socket is currently held
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Initialize registers the terminal with the gateway
func (c *Client) Initialize(ctx context.Context, terminalID string) (Result, error) {
	if terminalID == "" {
		terminalID = c.cfg.TerminalID
	}
	msg, err := buildInit(terminalID)
	if err != nil {
		return Result{}, err
	}
	res, err := c.request(ctx, msg)
	if err == nil && res.Approved {
		log.Infof("Terminal %s initialized", terminalID)
	}
	return res, err
}

// Purchase runs a card purchase for amountMinor in minor currency
// units. Approval is detected by the gateway's ActionCode marker.
func (c *Client) Purchase(ctx context.Context, txnID string, amountMinor uint32, currency string) (Result, error) {
	if currency == "" {
		currency = CurrencyUSD
	}
	msg, err := buildPurchase(c.cfg.TerminalID, txnID, fmt.Sprintf("%d", amountMinor), currency)
	if err != nil {
		return Result{}, err
	}
	log.WithFields(logger.Fields{"txn": txnID, "amount": amountMinor}).Info("Purchase request")
	return c.request(ctx, msg)
}

// Reversal refunds an approved purchase
func (c *Client) Reversal(ctx context.Context, txnID, originalTxnID, reason string) (Result, error) {
	msg, err := buildReversal(c.cfg.TerminalID, txnID, originalTxnID, reason)
	if err != nil {
		return Result{}, err
	}
	log.WithFields(logger.Fields{"txn": txnID, "original": originalTxnID}).Info("Reversal request")
	return c.request(ctx, msg)
}

// Close sends the terminal CLOSE action and drops the socket
func (c *Client) Close(ctx context.Context) (Result, error) {
	msg, err := buildClose(c.cfg.TerminalID)
	if err != nil {
		return Result{}, err
	}
	res, err := c.request(ctx, msg)
	c.disconnect()
	return res, err
}

// Disconnect drops the socket without a CLOSE exchange
func (c *Client) Disconnect() {
	c.disconnect()
}

// request performs one framed exchange. Any failure marks the client
// disconnected so the next call redials.
func (c *Client) request(ctx context.Context, xmlBody string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx, c.cfg.Addr)
		if err != nil {
			return Result{}, errors.Wrapf(ErrNotConnected, "dial gateway %s: %v", c.cfg.Addr, err)
		}
		c.conn = conn
		log.Infof("Connected to gateway at %s", c.cfg.Addr)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = c.conn.SetDeadline(deadline)
	}

	// A cancelled context (user abort) unblocks the exchange early by
	// expiring the socket deadline
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func(conn net.Conn) {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-watchDone:
		}
	}(c.conn)

	raw, err := c.exchange(c.conn, xmlBody)
	if err != nil {
		c.dropLocked()
		return Result{}, err
	}

	return Result{
		Approved: strings.Contains(raw, approveMarker),
		Raw:      raw,
	}, nil
}

func (c *Client) exchange(conn net.Conn, xmlBody string) (string, error) {
	if err := writeFrame(conn, []byte(xmlBody)); err != nil {
		return "", errors.Wrap(err, "write request")
	}
	resp, err := readFrame(conn)
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	return string(resp), nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	c.dropLocked()
	c.mu.Unlock()
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// writeFrame prefixes the payload with its length: two big-endian
// bytes, or FF FF plus four big-endian bytes once the payload reaches
// 65535 bytes.
func writeFrame(w io.Writer, payload []byte) error {
	var header []byte
	if len(payload) < extendedHeaderMark {
		header = []byte{byte(len(payload) >> 8), byte(len(payload))}
	} else {
		header = make([]byte, 6)
		header[0], header[1] = 0xFF, 0xFF
		binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed message
func readFrame(r io.Reader) ([]byte, error) {
	var short [2]byte
	if _, err := io.ReadFull(r, short[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(short[:]))
	if length == extendedHeaderMark {
		var ext [4]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = int(binary.BigEndian.Uint32(ext[:]))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
