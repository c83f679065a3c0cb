// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a traced transfer
type Direction uint8

const (
	DirectionRx Direction = 0
	DirectionTx Direction = 1
)

// String returns "rx" or "tx"
func (d Direction) String() string {
	if d == DirectionTx {
		return "tx"
	}
	return "rx"
}

// TraceRecord is one raw transfer captured from a link.
// Records are stored as a sequence of CBOR maps with integer keys.
type TraceRecord struct {
	Time      int64     `cbor:"1,keyasint"` // Unix nanoseconds
	Direction Direction `cbor:"2,keyasint"`
	Data      []byte    `cbor:"3,keyasint"`
}

// Timestamp returns the record time
func (r *TraceRecord) Timestamp() time.Time {
	return time.Unix(0, r.Time)
}

// TraceWriter appends trace records to a stream
type TraceWriter struct {
	enc *cbor.Encoder
}

// NewTraceWriter creates a trace writer on w
func NewTraceWriter(w io.Writer) *TraceWriter {
	return &TraceWriter{enc: cbor.NewEncoder(w)}
}

// Write records one transfer
func (t *TraceWriter) Write(dir Direction, data []byte) error {
	rec := TraceRecord{
		Time:      time.Now().UnixNano(),
		Direction: dir,
		Data:      data,
	}
	if err := t.enc.Encode(&rec); err != nil {
		return fmt.Errorf("failed to write trace record: %w", err)
	}
	return nil
}

// TraceReader reads trace records from a stream
type TraceReader struct {
	dec *cbor.Decoder
}

// NewTraceReader creates a trace reader on r
func NewTraceReader(r io.Reader) *TraceReader {
	return &TraceReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the trace
func (t *TraceReader) Next() (*TraceRecord, error) {
	var rec TraceRecord
	if err := t.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read trace record: %w", err)
	}
	return &rec, nil
}
