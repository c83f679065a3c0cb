// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"github.com/pkg/errors"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// ChannelState is the lifecycle state of one DLC
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateOpenRequested
	StateOpen
	StateCloseRequested
)

// String returns the state name
func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpenRequested:
		return "open-requested"
	case StateOpen:
		return "open"
	case StateCloseRequested:
		return "close-requested"
	default:
		return "unknown"
	}
}

// incomingMask selects the signals a peer may report
const incomingMask = gsm0710.SignalDSR | gsm0710.SignalDCD | gsm0710.SignalCTS

// Entry is the table record for one channel
type Entry struct {
	Number         int
	State          ChannelState
	IncomingStatus byte // DSR, DCD and CTS as last reported by the peer
	OutgoingStatus byte // DTR, RTS, DCD and FC as last sent

	// replies still owed for SABM or DISC frames superseded by a later request
	stale int
}

// InUse reports whether the channel has been opened and not closed again
func (e *Entry) InUse() bool {
	return e.State == StateOpenRequested || e.State == StateOpen
}

// StatusFunc is called when a channel's incoming status changes
type StatusFunc func(channel int, status, changed byte)

// Table tracks channel state by channel number. It performs no I/O and
// is not safe for concurrent use.
type Table struct {
	entries  [gsm0710.MaxChannels + 1]*Entry
	count    int
	onStatus StatusFunc
}

// NewTable creates an empty table. onStatus may be nil.
func NewTable(onStatus StatusFunc) *Table {
	return &Table{onStatus: onStatus}
}

func validChannel(channel int) bool {
	return channel >= 0 && channel <= gsm0710.MaxChannels
}

// GetOrCreate returns the entry for a channel, creating a closed entry
// with default modem status if none exists
func (t *Table) GetOrCreate(channel int) (*Entry, error) {
	if !validChannel(channel) {
		return nil, errors.Wrapf(ErrInvalidChannel, "channel %d", channel)
	}
	if e := t.entries[channel]; e != nil {
		return e, nil
	}
	e := &Entry{
		Number:         channel,
		State:          StateClosed,
		IncomingStatus: gsm0710.DefaultIncomingStatus,
		OutgoingStatus: gsm0710.DefaultOutgoingStatus,
	}
	t.entries[channel] = e
	t.count++
	return e, nil
}

// Get returns the entry for a channel, or nil
func (t *Table) Get(channel int) *Entry {
	if !validChannel(channel) {
		return nil
	}
	return t.entries[channel]
}

// Remove deletes a channel's entry
func (t *Table) Remove(channel int) {
	if !validChannel(channel) || t.entries[channel] == nil {
		return
	}
	t.entries[channel] = nil
	t.count--
}

// SetIncomingStatus records peer-reported signals for a channel.
// The status listener is notified only if DSR, DCD or CTS flipped.
func (t *Table) SetIncomingStatus(channel int, status byte) bool {
	e := t.Get(channel)
	if e == nil {
		return false
	}

	status &= incomingMask
	changed := (status ^ e.IncomingStatus) & incomingMask
	e.IncomingStatus = status
	if changed == 0 {
		return false
	}

	if t.onStatus != nil {
		t.onStatus(channel, status, changed)
	}
	return true
}

// SetOutgoingStatus records the signals sent for a channel
func (t *Table) SetOutgoingStatus(channel int, status byte) bool {
	e := t.Get(channel)
	if e == nil {
		return false
	}
	changed := e.OutgoingStatus != status
	e.OutgoingStatus = status
	return changed
}

// Each calls fn for every entry in ascending channel order until fn
// returns false
func (t *Table) Each(fn func(e *Entry) bool) {
	for _, e := range t.entries {
		if e != nil && !fn(e) {
			return
		}
	}
}

// InUse returns the numbers of channels 1-63 that are in use, ascending
func (t *Table) InUse() []int {
	var channels []int
	t.Each(func(e *Entry) bool {
		if e.Number != gsm0710.ControlChannel && e.InUse() {
			channels = append(channels, e.Number)
		}
		return true
	})
	return channels
}

// Clear removes every entry
func (t *Table) Clear() {
	t.entries = [gsm0710.MaxChannels + 1]*Entry{}
	t.count = 0
}

// Len returns the number of entries
func (t *Table) Len() int {
	return t.count
}
