package payment

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvedResponse = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<Esp:Interface Version="1.0" xmlns:Esp="http://www.mosaicsoftware.com/Postilion/eSocket.POS/">` +
	`<Esp:Response ActionCode="APPROVE"/></Esp:Interface>`

const declinedResponse = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<Esp:Interface Version="1.0" xmlns:Esp="http://www.mosaicsoftware.com/Postilion/eSocket.POS/">` +
	`<Esp:Response ActionCode="DECLINE"/></Esp:Interface>`

// gateway is a loopback eSocket stand-in answering every request with
// a fixed response and recording what it received
type gateway struct {
	ln       net.Listener
	response string
	requests chan string
}

func newGateway(t *testing.T, response string) *gateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := &gateway{ln: ln, response: response, requests: make(chan string, 16)}
	go g.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return g
}

func (g *gateway) serve() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			for {
				req, err := readFrame(conn)
				if err != nil {
					return
				}
				g.requests <- string(req)
				if err := writeFrame(conn, []byte(g.response)); err != nil {
					return
				}
			}
		}(conn)
	}
}

func (g *gateway) addr() string {
	return g.ln.Addr().String()
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))

	// Two-byte big-endian prefix
	assert.Equal(t, []byte{0x00, 0x05}, buf.Bytes()[:2])

	payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestFrameExtendedHeader(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 70000)

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, big))

	header := buf.Bytes()[:6]
	assert.Equal(t, byte(0xFF), header[0])
	assert.Equal(t, byte(0xFF), header[1])
	assert.Equal(t, []byte{0x00, 0x01, 0x11, 0x70}, header[2:6])

	payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, payload, 70000)
}

func TestPurchaseApproved(t *testing.T) {
	g := newGateway(t, approvedResponse)
	c := NewClient(Config{Addr: g.addr(), TerminalID: "ARAVON10"})

	res, err := c.Purchase(context.Background(), "123456", 150, "")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Contains(t, res.Raw, `ActionCode="APPROVE"`)

	req := <-g.requests
	assert.Contains(t, req, `Type="PURCHASE"`)
	assert.Contains(t, req, `TransactionAmount="150"`)
	assert.Contains(t, req, `CurrencyCode="840"`)
	assert.Contains(t, req, `TransactionId="123456"`)
	assert.True(t, strings.HasPrefix(req, `<?xml version="1.0" encoding="UTF-8"?>`))
}

func TestPurchaseDeclined(t *testing.T) {
	g := newGateway(t, declinedResponse)
	c := NewClient(Config{Addr: g.addr(), TerminalID: "ARAVON10"})

	res, err := c.Purchase(context.Background(), "123456", 150, "")
	require.NoError(t, err)
	assert.False(t, res.Approved, "decline is a result, not an error")
}

func TestInitializeRegistersCardEvents(t *testing.T) {
	g := newGateway(t, approvedResponse)
	c := NewClient(Config{Addr: g.addr()})

	res, err := c.Initialize(context.Background(), "ARAVON10")
	require.NoError(t, err)
	assert.True(t, res.Approved)

	req := <-g.requests
	assert.Contains(t, req, `Action="INIT"`)
	assert.Contains(t, req, `TerminalId="ARAVON10"`)
	assert.Contains(t, req, `EventId="PROMPT_INSERT_CARD"`)
	assert.Contains(t, req, `EventId="CARD_INSERTED"`)
}

func TestReversalCarriesOriginalTransaction(t *testing.T) {
	g := newGateway(t, approvedResponse)
	c := NewClient(Config{Addr: g.addr(), TerminalID: "ARAVON10"})

	res, err := c.Reversal(context.Background(), "654321", "123456", "Product jam error 03")
	require.NoError(t, err)
	assert.True(t, res.Approved)

	req := <-g.requests
	assert.Contains(t, req, `Type="REFUND"`)
	assert.Contains(t, req, `OriginalTransactionId="123456"`)
	assert.Contains(t, req, `ReasonCode="Product jam error 03"`)
}

func TestCloseDropsConnection(t *testing.T) {
	g := newGateway(t, approvedResponse)
	c := NewClient(Config{Addr: g.addr(), TerminalID: "ARAVON10"})

	_, err := c.Initialize(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, c.Connected())

	res, err := c.Close(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.False(t, c.Connected())
}

func TestDialFailureFailsCall(t *testing.T) {
	c := NewClient(Config{Addr: "127.0.0.1:1", TerminalID: "ARAVON10", Timeout: time.Second})

	_, err := c.Purchase(context.Background(), "123456", 150, "")
	assert.Error(t, err)
	assert.False(t, c.Connected())
}

func TestTimeoutMarksDisconnected(t *testing.T) {
	// A gateway that accepts and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn // hold open, say nothing
		}
	}()

	c := NewClient(Config{Addr: ln.Addr().String(), TerminalID: "T", Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err = c.Purchase(context.Background(), "123456", 150, "")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.Connected(), "timeout must drop the socket")

	// The next call redials rather than reusing the dead socket
	_, err = c.Purchase(context.Background(), "123457", 150, "")
	assert.Error(t, err)
}

func TestContextCancelAbortsRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn
		}
	}()

	c := NewClient(Config{Addr: ln.Addr().String(), TerminalID: "T", Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = c.Purchase(ctx, "123456", 150, "")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "cancel must not wait out the full timeout")
}
