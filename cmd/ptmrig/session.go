package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/paleobytes/ptmrig/capture"
	"github.com/paleobytes/ptmrig/rig"
)

var retakeMissing bool

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture every light into the image folder",
	Long: `capture runs a full session in the foreground.  Records of earlier sessions
in the folder are overwritten light by light.  Ctrl-C stops the session; the
lights captured so far are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return foreground(func(r *rig.Rig) error { return r.StartAll() })
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Capture the lights that have no record yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return foreground(func(r *rig.Rig) error { return r.Resume() })
	},
}

var retakeCmd = &cobra.Command{
	Use:   "retake [light...]",
	Short: "Capture the given lights again",
	Long: `retake captures the given lights again, lowest number first, replacing their
records.  With --missing it retakes every light recorded as missing.`,
	Example: `  ptmrig retake 7 12
  ptmrig retake --missing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if retakeMissing {
			if len(args) > 0 {
				return errors.New("retake: give lights or --missing, not both")
			}
			return foreground(func(r *rig.Rig) error { return r.RetakeMissing() })
		}
		indices, err := lightArgs(args)
		if err != nil {
			return err
		}
		if len(indices) == 0 {
			return errors.New("retake: no lights given")
		}
		return foreground(func(r *rig.Rig) error { return r.Retake(indices) })
	},
}

func init() {
	retakeCmd.Flags().BoolVar(&retakeMissing, "missing", false, "retake every light recorded as missing")
	rootCmd.AddCommand(captureCmd, resumeCmd, retakeCmd)
}

// lightArgs converts 1-based light numbers to 0-based indices
func lightArgs(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("light %q is not a number", a)
		}
		if n < 1 {
			return nil, fmt.Errorf("%w: light %d, lights are numbered from 1", capture.ErrIndexOutOfRange, n)
		}
		out = append(out, n-1)
	}
	return out, nil
}

// foreground starts a session with start and follows it with a spinner
// until it ends.  An interrupt stops the session.
func foreground(start func(*rig.Rig) error) error {
	r, err := newRig(nil)
	if err != nil {
		return err
	}
	n := r.LightCount()
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "opening the dome",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}

	var recorded, failed int
	r.Report = func(ev capture.Event) {
		switch ev.Kind {
		case capture.EventFired:
			spinner.Message(fmt.Sprintf("light %d/%d, attempt %d", ev.Index+1, n, ev.Retry+1))
		case capture.EventRecorded:
			recorded++
		case capture.EventFailed:
			failed++
		}
	}

	if err := spinner.Start(); err != nil {
		return err
	}
	if err := start(r); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	if err := r.Wait(context.Background()); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d recorded, %d missing, in %s", recorded, failed, r.Dir())
	if ctx.Err() != nil {
		spinner.StopFailMessage("stopped: " + summary)
		return spinner.StopFail()
	}
	if failed > 0 {
		spinner.StopFailMessage(summary + "; ptmrig retake --missing to try again")
		return spinner.StopFail()
	}
	spinner.StopMessage(summary)
	return spinner.Stop()
}
