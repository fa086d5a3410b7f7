/*Package config holds the rig configuration and loads it from defaults, a
YAML file, and PTMRIG_ environment variables, in that order of precedence.

Environment variables name a key by its path with underscores, case
insensitive: PTMRIG_DEVICE_ADDR=/dev/ttyUSB0 sets Device.Addr.
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/paleobytes/ptmrig/arrival"
	"github.com/paleobytes/ptmrig/lightpos"
	"github.com/paleobytes/ptmrig/session"
	"github.com/paleobytes/ptmrig/util"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "PTMRIG_"

// FileName is the default configuration file
var FileName = "ptmrig.yml"

// ErrInvalid is generated when a configuration fails validation
var ErrInvalid = errors.New("config: invalid")

// Device configures the light controller link
type Device struct {
	// Addr is a serial port (/dev/ttyUSB0, COM3) or host:port.  Empty or
	// "None" means no device is configured.
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial selects a serial port (true) or TCP (false)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	Baud int `koanf:"Baud" yaml:"Baud"`

	// SettleSeconds is how long to wait after opening for the controller to boot
	SettleSeconds float64 `koanf:"SettleSeconds" yaml:"SettleSeconds"`

	// CommandIntervalSeconds is the minimum spacing between commands
	CommandIntervalSeconds float64 `koanf:"CommandIntervalSeconds" yaml:"CommandIntervalSeconds"`
}

// Capture configures the capture engine
type Capture struct {
	LightCount          int `koanf:"LightCount" yaml:"LightCount"`
	AutoRetryMaximum    int `koanf:"AutoRetryMaximum" yaml:"AutoRetryMaximum"`
	PreparationTicks    int `koanf:"PreparationTicks" yaml:"PreparationTicks"`
	PollingTimeoutTicks int `koanf:"PollingTimeoutTicks" yaml:"PollingTimeoutTicks"`

	// TickSeconds is the period of the engine tick
	TickSeconds float64 `koanf:"TickSeconds" yaml:"TickSeconds"`

	// PollSettleSeconds is slept before each folder poll so files mid-write are skipped
	PollSettleSeconds float64 `koanf:"PollSettleSeconds" yaml:"PollSettleSeconds"`

	// ShutterSettleSeconds is slept around the shutter in a test shot
	ShutterSettleSeconds float64 `koanf:"ShutterSettleSeconds" yaml:"ShutterSettleSeconds"`

	// TestShotAttempts is how many times a test shot polls for its image
	TestShotAttempts int `koanf:"TestShotAttempts" yaml:"TestShotAttempts"`

	Extensions []string `koanf:"Extensions" yaml:"Extensions"`
}

// Geometry configures the light positions
type Geometry struct {
	// AzimuthOffset rotates every light about the camera axis, in degrees
	AzimuthOffset int `koanf:"AzimuthOffset" yaml:"AzimuthOffset"`

	// Calibration replaces the built-in 50 light table if not empty
	Calibration []lightpos.Polar `koanf:"Calibration" yaml:"Calibration,omitempty"`
}

// Fitter configures the external fitting program
type Fitter struct {
	Path string   `koanf:"Path" yaml:"Path"`
	Args []string `koanf:"Args" yaml:"Args,omitempty"`

	// LowercaseExtensions lowercases image extensions in the manifest
	LowercaseExtensions bool `koanf:"LowercaseExtensions" yaml:"LowercaseExtensions"`
}

// Config is the full rig configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces the light controller with an in-memory stand-in
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// Directory is the image folder at startup
	Directory string `koanf:"Directory" yaml:"Directory"`

	// LogFile, if not empty, receives a copy of the log
	LogFile string `koanf:"LogFile" yaml:"LogFile"`

	// SessionFile is the name of the session log within the image folder
	SessionFile string `koanf:"SessionFile" yaml:"SessionFile"`

	Device   Device   `koanf:"Device" yaml:"Device"`
	Capture  Capture  `koanf:"Capture" yaml:"Capture"`
	Geometry Geometry `koanf:"Geometry" yaml:"Geometry"`
	Fitter   Fitter   `koanf:"Fitter" yaml:"Fitter"`
}

// Default returns the stock configuration
func Default() Config {
	return Config{
		Addr:        ":8000",
		Directory:   ".",
		SessionFile: session.DefaultFilename,
		Device: Device{
			Serial:                 true,
			Baud:                   9600,
			SettleSeconds:          2,
			CommandIntervalSeconds: 0.05,
		},
		Capture: Capture{
			LightCount:           len(lightpos.Dome50),
			AutoRetryMaximum:     1,
			PreparationTicks:     2,
			PollingTimeoutTicks:  5,
			TickSeconds:          1,
			PollSettleSeconds:    0.2,
			ShutterSettleSeconds: 1,
			TestShotAttempts:     5,
			Extensions:           append([]string(nil), arrival.DefaultExtensions...),
		},
		Fitter: Fitter{Path: "ptmfitter"},
	}
}

// Load builds a configuration from the defaults, the YAML file at path, and
// the environment.  A missing file is not an error.
func Load(path string) (Config, error) {
	var c Config
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if _, err := os.Stat(path); err == nil { // file missing, who cares
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return c, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}

	// koanf keys are case sensitive, env vars are not
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return known[strings.ReplaceAll(s, "_", ".")]
	}), nil)
	if err != nil {
		return c, err
	}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the configuration for values the rig cannot run with
func (c Config) Validate() error {
	cc := c.Capture
	switch {
	case cc.LightCount <= 0:
		return fmt.Errorf("%w: Capture.LightCount must be positive, got %d", ErrInvalid, cc.LightCount)
	case cc.AutoRetryMaximum < 0, cc.PreparationTicks < 0, cc.PollingTimeoutTicks < 0, cc.TestShotAttempts < 0:
		return fmt.Errorf("%w: Capture retries, ticks and attempts may not be negative", ErrInvalid)
	case cc.TickSeconds <= 0:
		return fmt.Errorf("%w: Capture.TickSeconds must be positive, got %g", ErrInvalid, cc.TickSeconds)
	case c.Fitter.Path == "":
		return fmt.Errorf("%w: Fitter.Path is empty", ErrInvalid)
	}
	if err := lightpos.Validate(c.Geometry.Table(), cc.LightCount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Table is the calibration table in use
func (g Geometry) Table() []lightpos.Polar {
	if len(g.Calibration) > 0 {
		return g.Calibration
	}
	return lightpos.Dome50
}

// Build makes the light geometry for n lights
func (g Geometry) Build(n int) (*lightpos.Geometry, error) {
	return lightpos.New(g.Table(), n, g.AzimuthOffset)
}

// Tick is the engine tick period
func (c Capture) Tick() time.Duration {
	return util.SecsToDuration(c.TickSeconds)
}

// PollSettle is the delay before each folder poll
func (c Capture) PollSettle() time.Duration {
	return util.SecsToDuration(c.PollSettleSeconds)
}

// ShutterSettle is the delay around the shutter in a test shot
func (c Capture) ShutterSettle() time.Duration {
	return util.SecsToDuration(c.ShutterSettleSeconds)
}

// Settle is the delay after the device is opened
func (d Device) Settle() time.Duration {
	return util.SecsToDuration(d.SettleSeconds)
}

// CommandInterval is the minimum spacing between device commands
func (d Device) CommandInterval() time.Duration {
	return util.SecsToDuration(d.CommandIntervalSeconds)
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// WriteFile writes c as YAML to path, replacing it
func WriteFile(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = Write(f, c)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
