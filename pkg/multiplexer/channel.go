// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// Channel presents one logical channel as a serial device: a byte stream
// plus the DTR, RTS, DSR, DCD and CTS modem signals.
//
// Read never blocks; use WaitForReadyRead or OnReadyRead to learn when
// data arrives.
type Channel struct {
	mux    *Multiplexer
	number int

	previouslyOpened bool // open request sent to the peer
	currentlyOpen    bool // open from the application's point of view
	established      bool // peer acknowledged
	released         bool
	waiting          bool

	buffer         []byte
	incomingStatus byte
	outgoingStatus byte

	onReadyRead    func()
	onSignalChange func(signal byte, on bool)
}

func newChannel(m *Multiplexer, number int) *Channel {
	return &Channel{
		mux:            m,
		number:         number,
		incomingStatus: gsm0710.DefaultIncomingStatus,
		outgoingStatus: gsm0710.DefaultOutgoingStatus,
	}
}

// Number returns the channel number
func (c *Channel) Number() int { return c.number }

// Open reopens a channel after Close
func (c *Channel) Open() error {
	c.mux.mu.Lock()
	defer c.mux.unlock()

	if c.mux.closed || c.mux.terminated {
		return errors.WithStack(ErrTerminated)
	}
	if err := c.open(); err != nil {
		return err
	}
	c.mux.channels[c.number] = c
	return nil
}

func (c *Channel) open() error {
	if c.currentlyOpen {
		return nil
	}
	if !c.previouslyOpened {
		if err := c.mux.ctx.OpenChannel(c.number); err != nil {
			return err
		}
		c.previouslyOpened = true
		c.established = c.mux.cfg.Server
	}
	c.currentlyOpen = true
	c.released = false
	return nil
}

// Close discards buffered data and asks the peer to close the channel.
// Pending reads return io.EOF.
func (c *Channel) Close() error {
	c.mux.mu.Lock()
	defer c.mux.unlock()

	if !c.currentlyOpen && !c.previouslyOpened {
		return nil
	}
	err := c.release()
	if c.mux.cfg.Server || c.mux.terminated {
		if c.mux.channels[c.number] == c {
			delete(c.mux.channels, c.number)
		}
	}
	c.mux.signalData()
	return err
}

// release closes the channel locally and sends DISC if an open request was
// ever sent. Called with the lock held.
func (c *Channel) release() error {
	c.currentlyOpen = false
	c.established = false
	c.released = true
	c.buffer = nil

	if !c.previouslyOpened {
		return nil
	}
	c.previouslyOpened = false
	return c.mux.ctx.CloseChannel(c.number)
}

// closedByPeer marks the channel closed after the session closed it
func (c *Channel) closedByPeer() {
	c.currentlyOpen = false
	c.previouslyOpened = false
	c.established = false
	c.released = true
}

// IsOpen reports whether the channel is open for reading and writing
func (c *Channel) IsOpen() bool {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	return c.currentlyOpen
}

// IsEstablished reports whether the peer acknowledged the channel
func (c *Channel) IsEstablished() bool {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	return c.established
}

// Read copies buffered data into p. It returns (0, nil) when nothing is
// buffered and io.EOF once the channel is closed and drained.
func (c *Channel) Read(p []byte) (int, error) {
	c.mux.mu.Lock()
	defer c.mux.unlock()

	if len(c.buffer) == 0 {
		if c.released || c.mux.terminated {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(p, c.buffer)
	c.buffer = c.buffer[n:]
	if len(c.buffer) == 0 {
		c.buffer = nil
	}
	return n, nil
}

// Write sends p on the channel, fragmented to the frame size
func (c *Channel) Write(p []byte) (int, error) {
	c.mux.mu.Lock()
	defer c.mux.unlock()

	if !c.currentlyOpen {
		if c.mux.terminated {
			return 0, errors.WithStack(ErrTerminated)
		}
		return 0, errors.Wrapf(ErrChannelNotOpen, "channel %d", c.number)
	}
	return c.mux.ctx.WriteData(c.number, p)
}

// BytesAvailable returns the number of buffered bytes
func (c *Channel) BytesAvailable() int {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	return len(c.buffer)
}

// Discard drops buffered data
func (c *Channel) Discard() {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	c.buffer = nil
}

// WaitForReadyRead blocks until data is buffered, the channel closes or
// the timeout expires, and reports whether data is available. When no
// goroutine is running Serve, the transport is driven from here.
// OnReadyRead is not called for data that arrives while waiting.
func (c *Channel) WaitForReadyRead(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	m := c.mux
	m.mu.Lock()
	c.waiting = true
	defer func() {
		m.mu.Lock()
		c.waiting = false
		m.unlock()
	}()

	for {
		if len(c.buffer) > 0 {
			m.unlock()
			return true
		}
		if c.released || m.terminated {
			m.unlock()
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.unlock()
			return false
		}

		if m.serving {
			ready := m.dataReady
			m.unlock()

			timer := time.NewTimer(remaining)
			select {
			case <-ready:
			case <-timer.C:
			}
			timer.Stop()
		} else {
			m.unlock()
			if m.transport.WaitForReadyRead(remaining) {
				m.ReadyRead()
			}
		}

		m.mu.Lock()
	}
}

// Rate returns the line speed of the underlying transport
func (c *Channel) Rate() int {
	if rate := c.mux.transport.Rate(); rate > 0 {
		return rate
	}
	return c.mux.cfg.PortSpeed
}

// OnReadyRead sets a function called when data arrives
func (c *Channel) OnReadyRead(fn func()) {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	c.onReadyRead = fn
}

// OnSignalChange sets a function called when the peer changes DSR, DCD or
// CTS
func (c *Channel) OnSignalChange(fn func(signal byte, on bool)) {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	c.onSignalChange = fn
}

// ============================================================
// Modem signals
// ============================================================

func (c *Channel) incoming(signal byte) bool {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	return c.incomingStatus&signal != 0
}

func (c *Channel) outgoing(signal byte) bool {
	c.mux.mu.Lock()
	defer c.mux.unlock()
	return c.outgoingStatus&signal != 0
}

// setOutgoing sets or clears signal bits and sends the new status
func (c *Channel) setOutgoing(set, clear byte) error {
	c.mux.mu.Lock()
	defer c.mux.unlock()

	status := (c.outgoingStatus | set) &^ clear
	if status == c.outgoingStatus {
		return nil
	}
	c.outgoingStatus = status
	if !c.currentlyOpen {
		return nil
	}
	return c.mux.ctx.SetStatus(c.number, status)
}

// DSR reports the peer's data set ready signal
func (c *Channel) DSR() bool { return c.incoming(gsm0710.SignalDSR) }

// Carrier reports the peer's data carrier detect signal
func (c *Channel) Carrier() bool { return c.incoming(gsm0710.SignalDCD) }

// CTS reports the peer's clear to send signal
func (c *Channel) CTS() bool { return c.incoming(gsm0710.SignalCTS) }

func (c *Channel) DTR() bool { return c.outgoing(gsm0710.SignalDTR) }

func (c *Channel) RTS() bool { return c.outgoing(gsm0710.SignalRTS) }

func (c *Channel) SetDTR(on bool) error {
	if on {
		return c.setOutgoing(gsm0710.SignalDTR, 0)
	}
	return c.setOutgoing(0, gsm0710.SignalDTR)
}

// SetRTS sets RTS. Dropping RTS also asserts flow control.
func (c *Channel) SetRTS(on bool) error {
	if on {
		return c.setOutgoing(gsm0710.SignalRTS, gsm0710.SignalFC)
	}
	return c.setOutgoing(gsm0710.SignalFC, gsm0710.SignalRTS)
}

// SetCarrier sets the local DCD signal, used in the server role
func (c *Channel) SetCarrier(on bool) error {
	if on {
		return c.setOutgoing(gsm0710.SignalDCD, 0)
	}
	return c.setOutgoing(0, gsm0710.SignalDCD)
}
