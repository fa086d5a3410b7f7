package comm_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/paleobytes/ptmrig/comm"
)

// tcpEchoServer accepts a single connection and echoes everything back
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()
	return ln.Addr().String()
}

// tcpSink accepts a single connection and forwards every line it reads
func tcpSink(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	lines := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			s, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- s
		}
	}()
	return ln.Addr().String(), lines
}

func TestSendRecvRoundTripsThroughEcho(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Rx: '\n', Tx: '\n'}, nil)
	require.NoError(t, rd.Open())
	defer rd.Close()

	require.NoError(t, rd.Send([]byte("<ON,1>")))
	resp, err := rd.Recv()
	require.NoError(t, err)
	assert.Equal(t, "<ON,1>", string(resp))
	assert.False(t, rd.LastComm.IsZero())
}

func TestSendWithoutTerminatorWritesPayloadVerbatim(t *testing.T) {
	addr, lines := tcpSink(t)
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Rx: '\n'}, nil)
	require.NoError(t, rd.Open())
	defer rd.Close()

	// the sink splits on newlines, so terminate the payload by hand
	require.NoError(t, rd.Send([]byte("<OFF>\n")))
	select {
	case s := <-lines:
		assert.Equal(t, "<OFF>\n", s)
	case <-time.After(2 * time.Second):
		t.Fatal("nothing arrived at the sink")
	}
}

func TestSendBeforeOpenIsNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil, nil)
	err := rd.Send([]byte("x"))
	assert.True(t, errors.Is(err, comm.ErrNotConnected))
	_, err = rd.Recv()
	assert.True(t, errors.Is(err, comm.ErrNotConnected))
}

func TestOpenSerialWithoutConfigFailsFast(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/ttyUSB9", true, nil, nil)
	start := time.Now()
	err := rd.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, comm.ErrNoSerialConf))
	assert.Less(t, time.Since(start), time.Second, "missing config must not be retried")
}

func TestOpenRefusedIsNotRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	start := time.Now()
	require.Error(t, rd.Open())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, nil, nil)
	require.NoError(t, rd.Open())
	require.NoError(t, rd.Close())
	require.NoError(t, rd.Close())
	assert.Nil(t, rd.Conn)
}

func TestLimiterPacesWrites(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Rx: '\n', Tx: '\n'}, nil)
	rd.Limiter = rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	require.NoError(t, rd.Open())
	defer rd.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rd.Send([]byte("x")))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
