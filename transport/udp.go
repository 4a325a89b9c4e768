package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPTransport implements Transport over a UDP socket.
//
// A background loop reads datagrams, parses them, and dispatches each to the
// handler registered for its packet type in a fresh goroutine, so a slow
// handler never blocks the socket.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewUDPTransport binds a UDP socket on listenAddr and starts the receive
// loop. The "udp4" network is used deliberately: mixed-family sockets are the
// root cause of the family-mismatch transport errors the DHT layer retries
// around.
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	t.wg.Add(1)
	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function":    "NewUDPTransport",
		"listen_addr": t.listenAddr.String(),
	}).Info("UDP transport listening")

	return t, nil
}

// RegisterHandler registers a packet handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes and transmits a packet to addr.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, addr)
	return err
}

// LocalAddr returns the bound address of the UDP socket.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Close stops the receive loop and closes the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *UDPTransport) processPackets() {
	defer t.wg.Done()

	buf := make([]byte, MaxFrameSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		// Read with a deadline so the loop notices cancellation.
		if err := t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return
		}
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "processPackets",
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(data, addr)
	}
}

func (t *UDPTransport) dispatch(data []byte, addr net.Addr) {
	packet, err := ParsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping unparseable packet")
		return
	}

	t.mu.RLock()
	handler, ok := t.handlers[packet.PacketType]
	t.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"packet_type": packet.PacketType,
			"from":        addr.String(),
		}).Debug("No handler for packet type")
		return
	}

	go func() {
		if err := handler(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "dispatch",
				"packet_type": packet.PacketType,
				"from":        addr.String(),
				"error":       err.Error(),
			}).Debug("Packet handler returned error")
		}
	}()
}
