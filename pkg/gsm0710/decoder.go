// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import (
	"time"
)

// Decoder implements the 07.10 frame decoder state machine.
//
// Bytes outside flag delimiters are skipped, so the decoder resynchronises
// on the next flag after line noise or a dropped frame. The closing flag of
// one frame may serve as the opening flag of the next.
//
// In Basic mode the address of a channel 62 response is 0xF9, the same
// byte as the flag. A flag following a flag is therefore parsed both ways:
// as a repeated flag and as the address of a channel 62 frame. The channel
// 62 reading wins when it yields a frame with a valid FCS followed by a
// closing flag before the other reading completes.
type Decoder struct {
	parser
	mode Mode

	alt        *parser
	altFrame   *Frame
	mainFailed bool

	rawBuffer []byte
	rawReset  bool
	pending   []byte
}

// parser holds the state of one frame being assembled
type parser struct {
	state      int
	maxPayload int

	address  byte
	control  byte
	length   int
	header   []byte
	buffer   []byte
	escaping bool
}

// NewDecoder creates a new frame decoder for the given framing option
func NewDecoder(mode Mode) *Decoder {
	return &Decoder{
		mode: mode,
		parser: parser{
			state:      stateIdle,
			maxPayload: MaxFrameSize,
			header:     make([]byte, 0, 4),
			buffer:     make([]byte, 0, DefaultFrameSize+4),
		},
		rawBuffer: make([]byte, 0, DefaultFrameSize*2),
	}
}

// SetMaxPayload limits the payload length accepted by the decoder.
// Longer frames are dropped with ErrFrameTooLarge.
func (d *Decoder) SetMaxPayload(n int) {
	if n <= 0 || n > MaxFrameSize {
		n = MaxFrameSize
	}
	d.maxPayload = n
	if d.alt != nil {
		d.alt.maxPayload = n
	}
}

// Mode returns the framing option used by the decoder
func (d *Decoder) Mode() Mode {
	return d.mode
}

// Reset discards any partial frame and returns to the idle state
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.header = d.header[:0]
	d.buffer = d.buffer[:0]
	d.escaping = false
	d.length = 0
	d.dropAlt()
	d.rawBuffer = d.rawBuffer[:0]
	d.rawReset = false
}

// GetRawBytes returns the raw bytes consumed since the last frame or error
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Write queues bytes for decoding by Next
func (d *Decoder) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	return len(p), nil
}

// Buffered returns the number of queued bytes not yet decoded
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

// Next decodes queued bytes until one frame is complete.
// Returns (nil, nil) when the queued bytes hold only a partial frame.
// A non-nil error reports a dropped frame; decoding may continue with
// another call to Next.
func (d *Decoder) Next() (*Frame, error) {
	for len(d.pending) > 0 {
		b := d.pending[0]
		d.pending = d.pending[1:]

		frame, err := d.DecodeByte(b)
		if frame != nil || err != nil {
			return frame, err
		}
	}
	d.pending = d.pending[:0]
	return nil, nil
}

// Decode decodes every complete frame in data.
// Errors for dropped frames are collected and returned alongside.
func (d *Decoder) Decode(data []byte) ([]*Frame, []error) {
	var frames []*Frame
	var errs []error

	for _, b := range data {
		frame, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}

	return frames, errs
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed frame, or nil if the frame is incomplete
// Returns an error if a frame was dropped
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	if d.rawReset {
		d.rawBuffer = d.rawBuffer[:0]
		d.rawReset = false
	}
	d.rawBuffer = append(d.rawBuffer, b)

	var frame *Frame
	var err error
	if d.mode == ModeAdvanced {
		frame, err = d.decodeAdvanced(b)
	} else {
		frame, err = d.decodeBasic(b)
	}

	if frame != nil || err != nil {
		d.rawReset = true
	}
	return frame, err
}

func (d *Decoder) decodeBasic(b byte) (*Frame, error) {
	var altErr error
	if d.alt != nil {
		frame, done, err := d.stepAlt(b)
		if done {
			return frame, err
		}
		altErr = err
	}

	ambiguous := d.state == stateAddress && b == BasicFlag
	frame, err := d.stepBasic(b)
	switch {
	case frame != nil:
		d.dropAlt()
	case err != nil && d.alt != nil:
		// The channel 62 reading is still alive; its outcome is reported
		d.mainFailed = true
		err = nil
	}

	if ambiguous && !d.mainFailed {
		d.alt = &parser{
			state:      stateControl,
			maxPayload: d.maxPayload,
			address:    b,
			header:     []byte{b},
		}
		d.altFrame = nil
	}
	if err == nil {
		err = altErr
	}
	return frame, err
}

// stepAlt advances the channel 62 reading. done reports that the byte was
// consumed by it and must not reach the main parser.
func (d *Decoder) stepAlt(b byte) (*Frame, bool, error) {
	if d.altFrame != nil {
		if b != BasicFlag {
			return nil, false, d.abandonAlt(d.altFrame.Channel, d.alt.control, "missing closing flag")
		}
		frame := d.altFrame
		d.parser = *d.alt
		d.state = stateAddress
		d.alt = nil
		d.altFrame = nil
		d.mainFailed = false
		return frame, true, nil
	}

	frame, err := d.alt.stepBasic(b)
	switch {
	case err != nil:
		failed := d.mainFailed
		d.dropAlt()
		if failed {
			return nil, false, err
		}
	case frame != nil:
		if !frame.Type.IsInformation() && len(frame.Payload) > 0 {
			return nil, false, d.abandonAlt(frame.Channel, d.alt.control, "payload on %s", FormatFrameType(frame.Type))
		}
		d.altFrame = frame
	}
	return nil, false, nil
}

// abandonAlt drops the channel 62 reading. The error is returned only when
// the main parser has already failed on the same bytes.
func (d *Decoder) abandonAlt(channel int, control byte, format string, args ...interface{}) error {
	failed := d.mainFailed
	d.dropAlt()
	if !failed {
		return nil
	}
	return frameError(ErrMalformedFrame, channel, control, format, args...)
}

func (d *Decoder) dropAlt() {
	d.alt = nil
	d.altFrame = nil
	d.mainFailed = false
}

func (p *parser) stepBasic(b byte) (*Frame, error) {
	switch p.state {
	case stateIdle:
		if b == BasicFlag {
			p.state = stateAddress
		}
		return nil, nil

	case stateAddress:
		if b == BasicFlag {
			// Repeated flags between frames
			return nil, nil
		}
		if b&AddressEA == 0 {
			p.state = stateIdle
			return nil, frameError(ErrMalformedFrame, -1, 0, "address 0x%02X without EA bit", b)
		}
		p.address = b
		p.header = append(p.header[:0], b)
		p.buffer = p.buffer[:0]
		p.state = stateControl
		return nil, nil

	case stateControl:
		p.control = b
		p.header = append(p.header, b)
		p.state = stateLength1
		return nil, nil

	case stateLength1:
		p.header = append(p.header, b)
		p.length = int(b >> 1)
		if b&0x01 == 0 {
			p.state = stateLength2
			return nil, nil
		}
		return p.startPayload()

	case stateLength2:
		p.header = append(p.header, b)
		p.length |= int(b) << 7
		return p.startPayload()

	case statePayload:
		p.buffer = append(p.buffer, b)
		if len(p.buffer) >= p.length {
			p.state = stateFCS
		}
		return nil, nil

	case stateFCS:
		p.state = stateEnd
		frame, err := p.finish(p.header, p.buffer, b)
		if err != nil {
			p.state = stateIdle
		}
		return frame, err

	case stateEnd:
		if b == BasicFlag {
			p.state = stateAddress
		} else {
			p.state = stateIdle
		}
		return nil, nil

	default:
		p.state = stateIdle
		return nil, nil
	}
}

func (p *parser) startPayload() (*Frame, error) {
	if p.length > p.maxPayload {
		channel := int(p.address >> 2)
		p.state = stateIdle
		return nil, frameError(ErrFrameTooLarge, channel, p.control, "length %d exceeds %d", p.length, p.maxPayload)
	}
	if p.length == 0 {
		p.state = stateFCS
	} else {
		p.state = statePayload
	}
	return nil, nil
}

func (d *Decoder) decodeAdvanced(b byte) (*Frame, error) {
	if b == AdvancedFlag {
		wasCollecting := d.state == stateAdvanced
		wasEscaping := d.escaping
		data := d.buffer

		// The flag closes the current frame and opens the next one
		d.state = stateAdvanced
		d.escaping = false
		d.buffer = make([]byte, 0, cap(data))

		if !wasCollecting || len(data) == 0 {
			return nil, nil
		}
		if wasEscaping {
			return nil, frameError(ErrMalformedFrame, int(data[0]>>2), 0, "flag inside escape sequence")
		}
		if len(data) < 3 {
			return nil, frameError(ErrMalformedFrame, int(data[0]>>2), 0, "frame too short: %d bytes", len(data))
		}
		if data[0]&AddressEA == 0 {
			return nil, frameError(ErrMalformedFrame, -1, 0, "address 0x%02X without EA bit", data[0])
		}

		d.address = data[0]
		d.control = data[1]
		return d.finish(data[:2], data[2:len(data)-1], data[len(data)-1])
	}

	if d.state != stateAdvanced {
		return nil, nil
	}

	if d.escaping {
		b ^= EscXor
		d.escaping = false
	} else if b == EscByte {
		d.escaping = true
		return nil, nil
	}

	// Address, control and FCS surround the payload
	if len(d.buffer) >= d.maxPayload+3 {
		channel := int(d.buffer[0] >> 2)
		control := d.buffer[1]
		d.state = stateIdle
		d.buffer = d.buffer[:0]
		return nil, frameError(ErrFrameTooLarge, channel, control, "payload exceeds %d", d.maxPayload)
	}
	d.buffer = append(d.buffer, b)
	return nil, nil
}

// finish validates the FCS and builds the decoded frame
func (p *parser) finish(header, payload []byte, fcs byte) (*Frame, error) {
	channel := int(p.address >> 2)
	frameType := FrameType(p.control &^ PFBit)

	checked := header
	if frameType == TypeUI && len(payload) > 0 {
		checked = make([]byte, 0, len(header)+len(payload))
		checked = append(checked, header...)
		checked = append(checked, payload...)
	}

	expected := CalculateFCS(checked)
	if expected != fcs {
		return nil, frameError(ErrChecksum, channel, p.control, "expected 0x%02X, got 0x%02X", expected, fcs)
	}

	if !frameType.Known() {
		return nil, frameError(ErrUnknownFrameType, channel, p.control, "control 0x%02X", p.control)
	}

	frame := &Frame{
		Channel:   channel,
		Type:      frameType,
		PF:        p.control&PFBit != 0,
		Command:   p.address&AddressCR != 0,
		FCS:       fcs,
		Timestamp: time.Now(),
	}
	if len(payload) > 0 {
		frame.Payload = append([]byte(nil), payload...)
	}

	return frame, nil
}
