package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/paleobytes/ptmrig/backfill"
	"github.com/paleobytes/ptmrig/rig"
	"github.com/paleobytes/ptmrig/util"
)

var testshotCmd = &cobra.Command{
	Use:   "testshot [light]",
	Short: "Fire one light to check exposure and framing (default: the last light)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index := rig.LastLight
		if len(args) == 1 {
			is, err := lightArgs(args)
			if err != nil {
				return err
			}
			index = is[0]
		}
		r, err := newRig(nil)
		if err != nil {
			return err
		}
		img, err := r.TestShot(index)
		if err != nil {
			return err
		}
		fmt.Println(img.Path())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Rebuild the session log of a folder shot without one",
	Long: `import reconstructs image_data.csv for a folder of images taken without
ptmrig (or whose log was lost) from the images' timestamps.  Shots are assumed
to have been taken at a steady interval; a gap of several intervals is taken as
lights that did not fire, and recorded as missing.  The import is refused if
the result does not have one record per light.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRig(nil)
		if err != nil {
			return err
		}
		res, err := r.Import()
		if res.Typical > 0 {
			fmt.Printf("typical interval %ds, %d records, %d gaps filled, %d duplicates skipped\n",
				res.Typical, len(res.Records), res.Inserted, len(res.Duplicates))
		}
		if err != nil {
			if errors.Is(err, backfill.ErrImportMismatch) {
				fmt.Fprintln(os.Stderr, "nothing was written")
			}
			return err
		}
		if m := r.Log().Missing(); len(m) > 0 {
			fmt.Printf("missing lights: %s\n", util.IntSliceToCSV(plusOne(m)))
		}
		return nil
	},
}

var fitCmd = &cobra.Command{
	Use:   "fit [output]",
	Short: "Write the light position file and run the fitter",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output := ""
		if len(args) == 1 {
			output = args[0]
		}
		r, err := newRig(nil)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		res, err := r.Fit(ctx, output)
		if res.Log != "" {
			fmt.Print(res.Log)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d images, %s -> %s\n", res.Count, res.Manifest, res.Output)
		return nil
	},
}

var includeCmd = &cobra.Command{
	Use:   "include light true|false",
	Short: "Select or deselect a light's image for fitting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		is, err := lightArgs(args[:1])
		if err != nil {
			return err
		}
		b, err := strconv.ParseBool(args[1])
		if err != nil {
			return err
		}
		r, err := newRig(nil)
		if err != nil {
			return err
		}
		return r.SetIncluded(is[0], b)
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List the session log, one row per light",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRig(nil)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LIGHT\tFILE\tINCLUDED")
		for _, s := range r.Slots() {
			file := s.Filename
			if !s.Recorded {
				file = ""
			}
			fmt.Fprintf(tw, "%d\t%s\t%t\n", s.Index+1, file, s.Included)
		}
		return tw.Flush()
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List the light positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRig(nil)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LIGHT\tTHETA\tPHI\tX\tY\tZ")
		for _, p := range r.Positions() {
			fmt.Fprintf(tw, "%d\t%g\t%g\t%.6f\t%.6f\t%.6f\n", p.Index+1, p.Theta, p.Phi, p.X, p.Y, p.Z)
		}
		return tw.Flush()
	},
}

func plusOne(is []int) []int {
	out := make([]int, len(is))
	for i, v := range is {
		out[i] = v + 1
	}
	return out
}

func init() {
	rootCmd.AddCommand(testshotCmd, importCmd, fitCmd, includeCmd, recordsCmd, positionsCmd)
}
