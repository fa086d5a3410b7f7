// Command ptmrig drives a light dome capture station for polynomial texture
// maps: it fires each light with the camera, attributes the images that land
// in the folder, and prepares the fitter's input.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/paleobytes/ptmrig/config"
	"github.com/paleobytes/ptmrig/rig"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	cfgPath  string
	dirFlag  string
	mockFlag bool

	cfg     config.Config
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "ptmrig",
	Short: "Capture and fit multi-light image sets with a light dome",
	Long: `ptmrig drives a light dome: for each light it switches the light on, fires
the camera, and watches the image folder for the picture that results.  The
record of which light produced which image is kept beside the images in
image_data.csv, and is turned into the light position (.lp) file the PTM
fitter reads.

Lights are numbered from 1 on the command line, as they are on the dome.

Configuration comes from ptmrig.yml (see mkconf), overridden by PTMRIG_
environment variables, e.g. PTMRIG_DEVICE_ADDR=/dev/ttyUSB0.`,
	Example: `  ptmrig mkconf
  ptmrig capture --dir /data/scarab
  ptmrig retake --missing --dir /data/scarab
  ptmrig fit --dir /data/scarab
  ptmrig run`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dirFlag != "" {
			cfg.Directory = dirFlag
		}
		if mockFlag {
			cfg.Mock = true
		}
		if cfg.LogFile != "" {
			logFile, err = os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			log.SetOutput(io.MultiWriter(os.Stderr, logFile))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			log.SetOutput(os.Stderr)
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.FileName, "configuration file")
	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "d", "", "image folder (default from the configuration)")
	rootCmd.PersistentFlags().BoolVar(&mockFlag, "mock", false, "simulate the dome and camera")

	rootCmd.AddCommand(versionCmd, mkconfCmd, confCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ptmrig version %v\n", Version)
	},
}

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "Write the effective configuration to the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteFile(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Println("wrote", cfgPath)
		return nil
	},
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Write(os.Stdout, cfg)
	},
}

// newRig builds a rig from the loaded configuration
func newRig(reg prometheus.Registerer) (*rig.Rig, error) {
	return rig.New(cfg, reg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
