/*Package comm provides an embeddable type for communication with lab hardware
over RS232 or TCP.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  pick Terminators for the device; a zero byte means "none"
	3.  write methods that build payloads and call Send / Recv

A minimal example for a controller that takes "<ON,n>" framed commands and
replies with newline terminated text:

	type Dome struct {
		*comm.RemoteDevice
	}

	func (d *Dome) On(n int) error {
		return d.Send([]byte(fmt.Sprintf("<ON,%d>", n)))
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true and no serial config was given
	ErrNoSerialConf = errors.New("device is serial but has no serial.Config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the receipt and transmission termination bytes.
// A zero value means the direction is not terminated.
type Terminators struct {
	Rx byte
	Tx byte
}

// RemoteDevice has an address and can open, send, receive, and close.
// Send and Recv are serialized by the embedded mutex.
type RemoteDevice struct {
	sync.Mutex

	// Addr is a serial port name (/dev/ttyUSB0, COM3) or host:port
	Addr string

	// IsSerial selects RS232 (true) or TCP (false)
	IsSerial bool

	// Conn is the open connection, nil when closed
	Conn io.ReadWriteCloser

	// Timeout bounds TCP connection setup and each TCP read or write
	Timeout time.Duration

	// Limiter, if not nil, paces writes to the remote
	Limiter *rate.Limiter

	// LastComm is the time of the last successful write
	LastComm time.Time

	term   Terminators
	serCfg *serial.Config
}

// NewRemoteDevice creates a new RemoteDevice instance.  term may be nil,
// in which case both directions are terminated by a carriage return.
func NewRemoteDevice(addr string, isSerial bool, term *Terminators, serCfg *serial.Config) *RemoteDevice {
	t := Terminators{Rx: '\r', Tx: '\r'}
	if term != nil {
		t = *term
	}
	return &RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		term:     t,
		serCfg:   serCfg}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff, USB-serial adapters are often busy for a moment
	// after the previous owner let go of them
	op := func() error {
		err := rd.open()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("open %s: %w", rd.Addr, err)
	}
	return nil
}

func isPermanent(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrNoSerialConf) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "refused")
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.IsSerial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	return err
}

// Send writes b to the remote, appending the Tx terminator if there is one
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Limiter != nil {
		if err := rd.Limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if rd.term.Tx != 0 {
		b = append(b, rd.term.Tx)
	}
	rd.deadline()
	_, err := rd.Conn.Write(b)
	if err == nil {
		rd.LastComm = time.Now()
	}
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.term.Rx
	if term == 0 {
		term = '\n'
	}
	rd.deadline()
	buf, err := bufio.NewReader(rd.Conn).ReadBytes(term)
	if err != nil {
		return buf, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		return bytes.TrimRight(buf[:len(buf)-1], "\r"), nil
	}
	return buf, ErrTerminatorNotFound
}

// deadline sets the read/write deadline on network connections;
// serial ports carry their ReadTimeout in the serial.Config
func (rd *RemoteDevice) deadline() {
	if conn, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(rd.Timeout))
	}
}
