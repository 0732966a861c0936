package vmc

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hostserial "vendo/host/serial"
	"vendo/protocol"
)

// fakePort is an in-memory serial port. Reads drain a script buffer
// and then behave like a timed-out port read (0, nil); writes are
// captured for inspection.
type fakePort struct {
	mu     sync.Mutex
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	p.in.Write(b)
	p.mu.Unlock()
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Flush() error { return nil }

// sent decodes every packet the session wrote to the port
func (p *fakePort) sent(t *testing.T) []*protocol.Packet {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	f := protocol.NewFramer()
	f.Write(p.out.Bytes())
	var pkts []*protocol.Packet
	for {
		pkt, ok := f.Next()
		if !ok {
			return pkts
		}
		pkts = append(pkts, pkt)
	}
}

func newTestSession() (*Session, *fakePort) {
	port := &fakePort{}
	s := NewWithPort(Config{Device: "mem"}, func() (hostserial.Port, error) {
		return port, nil
	})
	return s, port
}

func TestPollGetsExactlyOneReply(t *testing.T) {
	s, port := newTestSession()

	for seq := uint8(1); seq <= 5; seq++ {
		s.handlePacket(port, &protocol.Packet{Cmd: protocol.CmdPoll, Seq: seq})
	}

	pkts := port.sent(t)
	require.Len(t, pkts, 5, "one transmission per POLL")
	for i, pkt := range pkts {
		assert.Equal(t, protocol.CmdAck, pkt.Cmd)
		assert.Equal(t, uint8(i+1), pkt.Seq, "ACK echoes the POLL sequence")
	}
}

func TestPollDequeuesPendingCommand(t *testing.T) {
	s, port := newTestSession()

	s.Enqueue(protocol.CmdSetPrice, protocol.SetPrice{Selection: 7, Price: 150}.Marshal())
	s.Enqueue(protocol.CmdDirectDrive, protocol.DirectDrive{DropSensor: 1, Elevator: 1, Selection: 7}.Marshal())

	// Three polls: DIRECT_DRIVE first (priority), then SET_PRICE, then
	// nothing left so a bare ACK
	for seq := uint8(0x20); seq < 0x23; seq++ {
		s.handlePacket(port, &protocol.Packet{Cmd: protocol.CmdPoll, Seq: seq})
	}

	pkts := port.sent(t)
	require.Len(t, pkts, 3)
	assert.Equal(t, protocol.CmdDirectDrive, pkts[0].Cmd)
	assert.Equal(t, []byte{0x01, 0x01, 0x00, 0x07}, pkts[0].Data)
	assert.Equal(t, protocol.CmdSetPrice, pkts[1].Cmd)
	assert.Equal(t, protocol.CmdAck, pkts[2].Cmd)
	assert.Equal(t, uint8(0x22), pkts[2].Seq)

	// UC-originated packets draw from the sequence counter
	assert.Equal(t, uint8(1), pkts[0].Seq)
	assert.Equal(t, uint8(2), pkts[1].Seq)
}

func TestNonPollPacketsAreDispatchedThenAcked(t *testing.T) {
	s, port := newTestSession()

	var events []Event
	s.OnEvent(func(e Event) { events = append(events, e) })

	s.handlePacket(port, &protocol.Packet{
		Cmd:  protocol.CmdSelectCancel,
		Seq:  0x11,
		Data: []byte{0x00, 0x07},
	})

	require.Len(t, events, 1)
	sel, ok := events[0].(SelectCancelEvent)
	require.True(t, ok)
	assert.Equal(t, uint16(7), sel.Selection)
	assert.Equal(t, uint8(0x11), sel.Seq)

	pkts := port.sent(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.CmdAck, pkts[0].Cmd)
	assert.Equal(t, uint8(0x11), pkts[0].Seq)
}

func TestDispenseStatusEvent(t *testing.T) {
	s, port := newTestSession()

	var got DispenseStatusEvent
	s.OnEvent(func(e Event) {
		if d, ok := e.(DispenseStatusEvent); ok {
			got = d
		}
	})

	s.handlePacket(port, &protocol.Packet{
		Cmd:  protocol.CmdDispensingStatus,
		Seq:  0x30,
		Data: []byte{protocol.DispenseJam, 0x00, 0x07},
	})

	assert.Equal(t, protocol.DispenseJam, got.Status)
	assert.Equal(t, uint16(7), got.Selection)
}

func TestAckPacketProducesNoReply(t *testing.T) {
	s, port := newTestSession()

	var acked bool
	s.OnEvent(func(e Event) {
		if _, ok := e.(AckEvent); ok {
			acked = true
		}
	})

	s.handlePacket(port, &protocol.Packet{Cmd: protocol.CmdAck, Seq: 1})

	assert.True(t, acked)
	assert.Empty(t, port.sent(t), "ACKs are never themselves ACKed")
}

func TestMalformedPayloadStillAcked(t *testing.T) {
	s, port := newTestSession()

	var events int
	s.OnEvent(func(Event) { events++ })

	// SELECT_CANCEL with a truncated payload: no event, but the VMC
	// still needs its ACK
	s.handlePacket(port, &protocol.Packet{Cmd: protocol.CmdSelectCancel, Seq: 2, Data: []byte{0x01}})

	assert.Zero(t, events)
	pkts := port.sent(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.CmdAck, pkts[0].Cmd)
}

func TestRunSendsSyncInfoOnConnect(t *testing.T) {
	s, port := newTestSession()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Feed a poll so the loop is demonstrably alive, then stop
	port.feed(protocol.Encode(protocol.CmdPoll, 1, nil))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	pkts := port.sent(t)
	require.NotEmpty(t, pkts)
	assert.Equal(t, protocol.CmdSyncInfo, pkts[0].Cmd, "session requests a catalogue dump on connect")
}

func TestRunMarksLinkUnhealthyOnSilence(t *testing.T) {
	port := &fakePort{}
	s := NewWithPort(Config{
		Device:         "mem",
		UnhealthyAfter: 20 * time.Millisecond,
	}, func() (hostserial.Port, error) {
		return port, nil
	})

	var mu sync.Mutex
	var ups, downs int
	s.OnEvent(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.(type) {
		case LinkUpEvent:
			ups++
		case LinkDownEvent:
			downs++
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	s.Close()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, ups, 1)
	assert.GreaterOrEqual(t, downs, 1, "silent VMC must tear the link down")
	assert.False(t, s.Healthy())
}
