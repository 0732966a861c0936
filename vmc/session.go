// Package vmc maintains the serial session with the vending machine
// controller: the POLL/ACK heartbeat, the send-on-POLL command queue,
// sequence numbering and reconnect.
package vmc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"vendo/backoff"
	hostserial "vendo/host/serial"
	"vendo/protocol"
)

var log = logger.WithField("prefix", "vmc")

// ErrLinkDown is returned by runLink when the VMC goes silent
var ErrLinkDown = errors.New("vmc: link silent, reconnecting")

// Config holds link session tuning
type Config struct {
	// Device is the serial port path
	Device string

	// Baud defaults to 57600
	Baud int

	// SilenceWarn is how long without a POLL before a warning is
	// logged. The VMC polls roughly every 200ms.
	SilenceWarn time.Duration

	// UnhealthyAfter is how long without any traffic before the link
	// is declared dead and reconnected
	UnhealthyAfter time.Duration

	// Backoff is the reconnect schedule
	Backoff backoff.Policy
}

func (c *Config) applyDefaults() {
	if c.Baud == 0 {
		c.Baud = 57600
	}
	if c.SilenceWarn == 0 {
		c.SilenceWarn = 500 * time.Millisecond
	}
	if c.UnhealthyAfter == 0 {
		c.UnhealthyAfter = 5 * time.Second
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default
	}
}

// Session owns the serial stream to the VMC exclusively. All other
// components enqueue commands here; the session transmits exactly one
// packet per received POLL and ACKs every other packet except the
// VMC's own ACKs.
type Session struct {
	cfg   Config
	seq   *protocol.Sequence
	queue *commandQueue

	// open is swappable so tests can hand the session an in-memory
	// pipe instead of a real port
	open func() (hostserial.Port, error)

	handlerMu sync.RWMutex
	handler   func(Event)

	writeMu sync.Mutex

	healthy atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a session for the configured device (not yet running)
func New(cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:    cfg,
		seq:    protocol.NewSequence(),
		queue:  newCommandQueue(),
		closed: make(chan struct{}),
	}
	s.open = func() (hostserial.Port, error) {
		c := hostserial.DefaultConfig(cfg.Device)
		c.Baud = cfg.Baud
		return hostserial.Open(c)
	}
	return s
}

// NewWithPort creates a session whose connections come from open.
// Used by tests and by transports other than tarm/serial.
func NewWithPort(cfg Config, open func() (hostserial.Port, error)) *Session {
	s := New(cfg)
	s.open = open
	return s
}

// OnEvent registers the handler receiving decoded VMC events. The
// handler runs on the session's read loop; it must not block.
func (s *Session) OnEvent(fn func(Event)) {
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()
}

// Enqueue queues a command for transmission on the next POLL
func (s *Session) Enqueue(cmd protocol.Cmd, payload []byte) {
	s.queue.Push(Command{Cmd: cmd, Payload: payload})
	log.WithFields(logger.Fields{"cmd": cmd.String(), "pending": s.queue.Len()}).Debug("Command queued")
}

// Drain discards all pending commands; called by the coordinator when
// a transaction unwinds
func (s *Session) Drain() {
	s.queue.Drain()
}

// Pending returns the number of queued commands
func (s *Session) Pending() int {
	return s.queue.Len()
}

// Healthy reports whether the VMC is currently polling us
func (s *Session) Healthy() bool {
	return s.healthy.Load()
}

// Close stops the session permanently
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Run connects to the VMC and services the link until ctx is
// cancelled or Close is called. Connection failures and silent links
// reconnect with exponential backoff; first-open failure is not fatal.
func (s *Session) Run(ctx context.Context) {
	b := s.cfg.Backoff.New()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		port, err := s.open()
		if err != nil {
			log.WithError(err).Warnf("Cannot open %s", s.cfg.Device)
			if !s.sleep(ctx, b) {
				return
			}
			continue
		}

		b.Reset()
		s.healthy.Store(true)
		s.dispatch(LinkUpEvent{})
		log.Infof("Serial link up on %s", s.cfg.Device)

		// Ask the VMC to re-announce its selection table
		s.transmit(port, protocol.CmdSyncInfo, nil)

		err = s.runLink(ctx, port)
		_ = port.Close()
		s.healthy.Store(false)
		s.dispatch(LinkDownEvent{})

		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		log.WithError(err).Warn("Serial link lost")
		if !s.sleep(ctx, b) {
			return
		}
	}
}

func (s *Session) sleep(ctx context.Context, b *backoff.Backoff) bool {
	delay, giveUp := b.Next()
	if giveUp {
		return false
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

// runLink reads the stream until the context ends, the port errors out
// or the VMC stays silent past the unhealthy threshold.
func (s *Session) runLink(ctx context.Context, port hostserial.Port) error {
	framer := protocol.NewFramer()
	buf := make([]byte, 256)

	lastHeard := time.Now()
	silenceWarned := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			return errors.Wrap(err, "serial read")
		}

		if n > 0 {
			framer.Write(buf[:n])
			for {
				pkt, ok := framer.Next()
				if !ok {
					break
				}
				lastHeard = time.Now()
				silenceWarned = false
				s.handlePacket(port, pkt)
			}
		}

		silence := time.Since(lastHeard)
		if silence > s.cfg.UnhealthyAfter {
			return ErrLinkDown
		}
		if silence > s.cfg.SilenceWarn && !silenceWarned {
			log.Warnf("No POLL from VMC for %v", silence.Round(time.Millisecond))
			silenceWarned = true
		}
	}
}

// handlePacket services one decoded VMC packet. POLL gets exactly one
// transmission in reply; every other non-ACK packet is dispatched to
// the coordinator and then ACKed here (the coordinator never re-ACKs).
func (s *Session) handlePacket(port hostserial.Port, pkt *protocol.Packet) {
	log.WithFields(logger.Fields{"cmd": pkt.Cmd.String(), "seq": pkt.Seq}).Debug("Packet received")

	switch pkt.Cmd {
	case protocol.CmdPoll:
		if cmd, ok := s.queue.Pop(); ok {
			s.transmit(port, cmd.Cmd, cmd.Payload)
		} else {
			s.writeAck(port, pkt.Seq)
		}

	case protocol.CmdAck:
		s.dispatch(AckEvent{Seq: pkt.Seq})

	default:
		s.dispatchPacket(pkt)
		s.writeAck(port, pkt.Seq)
	}
}

func (s *Session) dispatchPacket(pkt *protocol.Packet) {
	switch pkt.Cmd {
	case protocol.CmdSelectCancel:
		p, err := protocol.UnmarshalSelectCancel(pkt.Data)
		if err != nil {
			log.WithError(err).Warn("Bad SELECT_CANCEL payload")
			return
		}
		s.dispatch(SelectCancelEvent{Seq: pkt.Seq, Selection: p.Selection})

	case protocol.CmdDispensingStatus:
		p, err := protocol.UnmarshalDispenseStatus(pkt.Data)
		if err != nil {
			log.WithError(err).Warn("Bad DISPENSING_STATUS payload")
			return
		}
		s.dispatch(DispenseStatusEvent{Seq: pkt.Seq, Status: p.Status, Selection: p.Selection})

	case protocol.CmdSelectionInfo:
		p, err := protocol.UnmarshalSelectionInfo(pkt.Data)
		if err != nil {
			log.WithError(err).Warn("Bad SELECTION_INFO payload")
			return
		}
		s.dispatch(SelectionInfoEvent{Seq: pkt.Seq, Info: p})

	case protocol.CmdSelectionStatus:
		p, err := protocol.UnmarshalSelectionStatus(pkt.Data)
		if err != nil {
			log.WithError(err).Warn("Bad SELECTION_STATUS payload")
			return
		}
		s.dispatch(SelectionStatusEvent{Seq: pkt.Seq, Selection: p.Selection, Status: p.Status})

	default:
		log.WithField("cmd", pkt.Cmd.String()).Debug("Unhandled VMC command")
	}
}

func (s *Session) dispatch(e Event) {
	s.handlerMu.RLock()
	fn := s.handler
	s.handlerMu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// transmit sends a UC-originated packet stamped from the sequence
// counter
func (s *Session) transmit(port hostserial.Port, cmd protocol.Cmd, payload []byte) {
	pkt := protocol.Encode(cmd, s.seq.Next(), payload)
	s.write(port, pkt)
	log.WithFields(logger.Fields{"cmd": cmd.String()}).Debugf("Sent % X", pkt)
}

// writeAck echoes the VMC's sequence number back, per the protocol's
// ACK matching rule
func (s *Session) writeAck(port hostserial.Port, seq uint8) {
	s.write(port, protocol.Encode(protocol.CmdAck, seq, nil))
}

func (s *Session) write(port hostserial.Port, pkt []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := port.Write(pkt); err != nil {
		log.WithError(err).Error("Serial write failed")
		return
	}
	_ = port.Flush()
}
