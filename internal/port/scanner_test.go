package port

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIsPortAvailable_FreePort verifies that IsPortAvailable returns true
// for a port no process is currently using.
func TestIsPortAvailable_FreePort(t *testing.T) {
	scanner := NewScanner()

	// Use FindAvailablePort to get a port we know is free, rather than
	// hardcoding a port number that might be in use on some CI machines.
	freePort, err := scanner.FindAvailablePort(50000, 50100, "tcp")
	require.NoError(t, err, "should find at least one free port in 50000-50100")

	assert.True(t, scanner.IsPortAvailable(freePort, "tcp"))
}

// TestIsPortAvailable_UsedPort verifies that IsPortAvailable returns false
// when a port is already bound by another listener — the stuck-port case
// `berth up` has to detect before spawning a service.
func TestIsPortAvailable_UsedPort(t *testing.T) {
	// ":0" lets the OS pick a free port, avoiding hardcoded-port flakiness.
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "failed to start test listener")
	defer func() { _ = listener.Close() }()

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	scanner := NewScanner()
	assert.False(t, scanner.IsPortAvailable(tcpAddr.Port, "tcp"))
}

// TestIsPortAvailable_UDP verifies UDP bind probing works.
func TestIsPortAvailable_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err, "failed to start test UDP listener")
	defer func() { _ = conn.Close() }()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)

	scanner := NewScanner()
	assert.False(t, scanner.IsPortAvailable(udpAddr.Port, "udp"))
}

// TestIsPortAvailable_UnknownProtocol verifies that an unrecognized protocol
// string causes IsPortAvailable to return false (fail-safe behavior).
func TestIsPortAvailable_UnknownProtocol(t *testing.T) {
	scanner := NewScanner()
	assert.False(t, scanner.IsPortAvailable(50000, "sctp"))
}

// TestFindAvailablePort verifies that FindAvailablePort finds a free port
// within the requested range.
func TestFindAvailablePort(t *testing.T) {
	scanner := NewScanner()

	port, err := scanner.FindAvailablePort(50000, 50100, "tcp")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, port, 50000)
	assert.LessOrEqual(t, port, 50100)
	assert.True(t, scanner.IsPortAvailable(port, "tcp"))
}

// TestFindAvailablePort_Exhausted verifies the error when every port in
// the range is taken.
func TestFindAvailablePort_Exhausted(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	scanner := NewScanner()
	_, err = scanner.FindAvailablePort(tcpAddr.Port, tcpAddr.Port, "tcp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no available")
}

// TestWaitForRelease_AlreadyFree verifies the fast path: a free port
// returns immediately without waiting a tick.
func TestWaitForRelease_AlreadyFree(t *testing.T) {
	scanner := NewScanner()
	freePort, err := scanner.FindAvailablePort(50000, 50100, "tcp")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, scanner.WaitForRelease(ctx, freePort, "tcp", 500*time.Millisecond))
	assert.Less(t, time.Since(start), 400*time.Millisecond, "a free port should not wait for a poll tick")
}

// TestWaitForRelease_BecomesFree verifies the poll loop notices a port
// being released after the signal — the free-port command's core sequence.
func TestWaitForRelease_BecomesFree(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	// Release the port shortly after WaitForRelease starts polling.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	scanner := NewScanner()
	assert.NoError(t, scanner.WaitForRelease(ctx, tcpAddr.Port, "tcp", 50*time.Millisecond))
}

// TestWaitForRelease_Timeout verifies the context deadline surfaces when
// the listener never goes away.
func TestWaitForRelease_Timeout(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	scanner := NewScanner()
	err = scanner.WaitForRelease(ctx, tcpAddr.Port, "tcp", 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still in use")
}
