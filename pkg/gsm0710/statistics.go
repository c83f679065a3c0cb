// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames       uint64
	ValidFrames       uint64
	FCSErrors         uint64
	UnknownTypes      uint64
	OversizedFrames   uint64
	DecodeErrors      uint64
	MalformedFrames   uint64
	BadCommands       uint64
	OversizedPayloads uint64
	ChannelFrames     [MaxChannels + 1]uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a frame and its errors
func (s *Statistics) Update(frame *Frame, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrChecksum):
			s.FCSErrors++
		case errors.Is(decodeErr, ErrUnknownFrameType):
			s.UnknownTypes++
		case errors.Is(decodeErr, ErrFrameTooLarge):
			s.OversizedFrames++
		default:
			s.DecodeErrors++
		}
		s.LastUpdateTime = time.Now()
		return
	}

	if frame != nil && frame.Channel >= 0 && frame.Channel <= MaxChannels {
		s.ChannelFrames[frame.Channel]++
	}

	if len(validationErrors) > 0 {
		s.MalformedFrames++
		for _, err := range validationErrors {
			switch err.Type {
			case ANOMALY_INVALID_COMMAND, ANOMALY_UNSUPPORTED_COMMAND, ANOMALY_INVALID_MODEM_STATUS:
				s.BadCommands++
			case ANOMALY_OVERSIZED_PAYLOAD:
				s.OversizedPayloads++
			}
		}
	} else {
		s.ValidFrames++
	}

	s.LastUpdateTime = time.Now()
}

// ErrorCount returns the number of frames that were dropped or malformed
func (s *Statistics) ErrorCount() uint64 {
	return s.FCSErrors + s.UnknownTypes + s.OversizedFrames + s.DecodeErrors + s.MalformedFrames
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.ErrorCount()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))

	if s.FCSErrors > 0 {
		result += fmt.Sprintf("FCS Errors:      %8d (%.1f%%)\n", s.FCSErrors, percent(s.FCSErrors))
	}
	if s.UnknownTypes > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d (%.1f%%)\n", s.UnknownTypes, percent(s.UnknownTypes))
	}
	if s.OversizedFrames > 0 {
		result += fmt.Sprintf("Too Large:       %8d (%.1f%%)\n", s.OversizedFrames, percent(s.OversizedFrames))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.MalformedFrames, percent(s.MalformedFrames))
		if s.BadCommands > 0 {
			result += fmt.Sprintf("  Bad Commands:     %5d\n", s.BadCommands)
		}
		if s.OversizedPayloads > 0 {
			result += fmt.Sprintf("  Over Frame Size:  %5d\n", s.OversizedPayloads)
		}
	}

	for ch, n := range s.ChannelFrames {
		if n > 0 {
			result += fmt.Sprintf("Channel %2d:      %8d\n", ch, n)
		}
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
