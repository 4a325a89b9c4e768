package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSecurePair(t *testing.T) (*SecureTransport, *SecureTransport) {
	t.Helper()

	baseA, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	baseB, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)

	a, err := NewSecureTransport(baseA)
	require.NoError(t, err)
	b, err := NewSecureTransport(baseB)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestSecureTransportHandshakeAndDelivery(t *testing.T) {
	a, b := newSecurePair(t)

	var mu sync.Mutex
	var got []*Packet
	b.RegisterHandler(PacketPingRequest, func(p *Packet, addr net.Addr) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
		return nil
	})

	// The first send queues behind the handshake and flushes on completion.
	packet := &Packet{PacketType: PacketPingRequest, Data: []byte("secret")}
	require.NoError(t, a.Send(packet, b.LocalAddr()))

	delivered := waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	require.True(t, delivered, "queued packet must arrive after the handshake")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("secret"), got[0].Data)
}

func TestSecureTransportBidirectional(t *testing.T) {
	a, b := newSecurePair(t)

	var mu sync.Mutex
	received := make(map[string]bool)
	record := func(p *Packet, _ net.Addr) error {
		mu.Lock()
		defer mu.Unlock()
		received[string(p.Data)] = true
		return nil
	}
	a.RegisterHandler(PacketPingResponse, record)
	b.RegisterHandler(PacketPingRequest, record)

	require.NoError(t, a.Send(&Packet{PacketType: PacketPingRequest, Data: []byte("from-a")}, b.LocalAddr()))

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["from-a"]
	}))

	// The responder reuses the established session in the other direction.
	require.NoError(t, b.Send(&Packet{PacketType: PacketPingResponse, Data: []byte("from-b")}, a.LocalAddr()))
	assert.True(t, waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["from-b"]
	}))
}

func TestSecureTransportMultiplePacketsSurviveNonceFraming(t *testing.T) {
	a, b := newSecurePair(t)

	var mu sync.Mutex
	count := 0
	b.RegisterHandler(PacketStore, func(p *Packet, _ net.Addr) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(&Packet{PacketType: PacketStore, Data: []byte{byte(i)}}, b.LocalAddr()))
	}

	assert.True(t, waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 10
	}))
}

func TestSecureTransportRejectsNilUnderlying(t *testing.T) {
	_, err := NewSecureTransport(nil)
	assert.Error(t, err)
}
