/*Package lightdome drives the light dome controller: a microcontroller that
switches one of N LEDs on and fires the camera shutter.

The protocol is ASCII, one command per write, framed as "<COMMAND,ARG>" or
"<COMMAND>".  Light numbers on the wire are 1-based.  The controller may print
lines back; they are telemetry only and never gate control flow.
*/
package lightdome

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/paleobytes/ptmrig/comm"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaud is the baud rate of the stock controller firmware
	DefaultBaud = 9600

	// DefaultSettle is how long the controller takes to reboot after the port is opened
	DefaultSettle = 2 * time.Second
)

var (
	// ErrLinkUnavailable is generated when the device channel is unset or cannot be claimed
	ErrLinkUnavailable = errors.New("lightdome: device link unavailable")
)

// Link is the command surface of the controller
type Link interface {
	Open() error
	Illuminate(index int) error
	Shoot(index int) error
	AllOff() error
	Close() error
}

// Frame wraps a payload in the controller's start and end markers
func Frame(payload string) []byte {
	return []byte("<" + payload + ">")
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, baud int) *serial.Config {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// Dome is a light dome controller on a serial port or a TCP serial server
type Dome struct {
	*comm.RemoteDevice

	// Settle is slept after the channel is acquired
	Settle time.Duration
}

// Options holds the non-address parameters of a Dome
type Options struct {
	Baud            int
	Settle          time.Duration
	CommandInterval time.Duration
}

// NewDome makes a new Dome instance.  No I/O is done until Open.
func NewDome(addr string, isSerial bool, opts Options) *Dome {
	// no Tx terminator, the frame is the terminator; Arduino firmware replies with println
	rd := comm.NewRemoteDevice(addr, isSerial, &comm.Terminators{Rx: '\n', Tx: 0}, makeSerConf(addr, opts.Baud))
	if opts.CommandInterval > 0 {
		rd.Limiter = rate.NewLimiter(rate.Every(opts.CommandInterval), 1)
	}
	return &Dome{RemoteDevice: rd, Settle: opts.Settle}
}

// Open acquires the channel and waits for the controller to come up
func (d *Dome) Open() error {
	if d.Addr == "" || d.Addr == "None" {
		return fmt.Errorf("%w: no device address configured", ErrLinkUnavailable)
	}
	if err := d.RemoteDevice.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	log.Printf("lightdome: opened %s, settling %v\n", d.Addr, d.Settle)
	time.Sleep(d.Settle)
	return nil
}

// Illuminate switches on the light at (0-based) index
func (d *Dome) Illuminate(index int) error {
	return d.Send(Frame(fmt.Sprintf("ON,%d", index+1)))
}

// Shoot fires the shutter for the light at (0-based) index
func (d *Dome) Shoot(index int) error {
	return d.Send(Frame(fmt.Sprintf("SHOOT,%d", index+1)))
}

// AllOff switches every light off
func (d *Dome) AllOff() error {
	return d.Send(Frame("OFF"))
}

// Close switches the lights off and releases the channel
func (d *Dome) Close() error {
	if d.Conn == nil {
		return nil
	}
	offErr := d.AllOff()
	err := d.RemoteDevice.Close()
	if offErr != nil {
		return offErr
	}
	return err
}

// Telemetry reads one line the controller printed, if any arrives before
// the read timeout
func (d *Dome) Telemetry() (string, error) {
	b, err := d.Recv()
	return string(b), err
}

// WithLink opens link, runs fn, and closes link on every path out of fn,
// including a panic.  The close error is returned only if fn succeeded.
func WithLink(link Link, fn func(Link) error) (err error) {
	if err = link.Open(); err != nil {
		return err
	}
	defer func() {
		cerr := link.Close()
		if err == nil {
			err = cerr
		}
	}()
	return fn(link)
}
