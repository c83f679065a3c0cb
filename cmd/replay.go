// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

var (
	replayRealtime bool
	replayStats    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace-file>",
	Short: "Decode a recorded trace",
	Long: `Decode a trace recorded with --record and print every frame.

Received and transmitted bytes are decoded separately and labelled RX or TX.
With --realtime the recorded gaps between transfers are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Replay with the recorded timing")
	replayCmd.Flags().BoolVar(&replayStats, "stats", true, "Print statistics at the end")
}

func runReplay(cmd *cobra.Command, args []string) error {
	mode, err := frameMode()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open trace: %v", err)
	}
	defer f.Close()

	reader := gsm0710.NewTraceReader(f)
	decoders := map[gsm0710.Direction]*gsm0710.Decoder{
		gsm0710.DirectionRx: gsm0710.NewDecoder(mode),
		gsm0710.DirectionTx: gsm0710.NewDecoder(mode),
	}
	stats := gsm0710.NewStatistics()

	var last time.Time
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		ts := rec.Timestamp()
		if replayRealtime && !last.IsZero() && ts.After(last) {
			time.Sleep(ts.Sub(last))
		}
		last = ts

		decoder := decoders[rec.Direction]
		if decoder == nil {
			return fmt.Errorf("trace record has unknown direction %d", rec.Direction)
		}

		frames, errs := decoder.Decode(rec.Data)
		for _, decodeErr := range errs {
			stats.Update(nil, decodeErr, nil)
			fmt.Printf("[%s] %s ERROR: %v\n", ts.Format("15:04:05.000"), rec.Direction, decodeErr)
		}
		for _, frame := range frames {
			frame.Timestamp = ts
			issues := gsm0710.ValidateFrame(frame, frameSize)
			stats.Update(frame, nil, issues)

			fmt.Printf("%s ", rec.Direction)
			fmt.Print(gsm0710.FormatFrame(frame))
			for _, issue := range issues {
				fmt.Printf("  ! %s\n", issue.Message)
			}
		}
	}

	if replayStats {
		fmt.Println()
		fmt.Print(stats.String())
	}
	return nil
}
