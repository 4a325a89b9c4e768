package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls a condition briefly, for asynchronous delivery asserts.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestUDPTransportDeliversPackets(t *testing.T) {
	receiver, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	var mu sync.Mutex
	var got []*Packet
	receiver.RegisterHandler(PacketPingRequest, func(p *Packet, addr net.Addr) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
		return nil
	})

	packet := &Packet{PacketType: PacketPingRequest, Data: []byte("hi")}
	require.NoError(t, sender.Send(packet, receiver.LocalAddr()))

	delivered := waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	require.True(t, delivered)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("hi"), got[0].Data)
}

func TestUDPTransportDropsUnhandledTypes(t *testing.T) {
	receiver, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	// No handler registered: the packet is silently dropped.
	packet := &Packet{PacketType: PacketStore, Data: []byte("x")}
	assert.NoError(t, sender.Send(packet, receiver.LocalAddr()))
}

func TestUDPTransportCloseStopsLoop(t *testing.T) {
	transport, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, transport.Close())

	// Sending after close fails.
	packet := &Packet{PacketType: PacketPingRequest}
	assert.Error(t, transport.Send(packet, transport.LocalAddr()))
}
