package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionNotFound indicates no established session with the peer.
	ErrSessionNotFound = errors.New("noise session not found for peer")
	// ErrHandshakePending indicates the handshake has not completed yet.
	ErrHandshakePending = errors.New("noise handshake still in progress")
)

// handshakeTimeout is the maximum age of an incomplete handshake before it
// is discarded and the next send starts a fresh one.
const handshakeTimeout = 30 * time.Second

// noiseCipherSuite is shared by both sides of the channel. The NN pattern
// carries no static identities: worker authentication is explicitly out
// of scope, the channel only provides confidentiality against passive
// observers.
var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

type noiseSession struct {
	mu         sync.Mutex
	handshake  *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	initiator  bool
	complete   bool
	createdAt  time.Time
	sendNonce  uint64
	pending    []*Packet // packets queued while the handshake is in flight
}

// SecureTransport wraps an underlying transport with a Noise-NN encrypted
// channel per peer. Handshakes are negotiated lazily on first send; inner
// packets are framed with an explicit nonce so UDP reordering and loss do
// not desynchronise the cipher state.
type SecureTransport struct {
	underlying Transport
	sessions   map[string]*noiseSession
	sessionsMu sync.Mutex
	handlers   map[PacketType]PacketHandler
	handlersMu sync.RWMutex
}

// NewSecureTransport wraps an existing transport with channel encryption.
func NewSecureTransport(underlying Transport) (*SecureTransport, error) {
	if underlying == nil {
		return nil, errors.New("underlying transport is nil")
	}
	st := &SecureTransport{
		underlying: underlying,
		sessions:   make(map[string]*noiseSession),
		handlers:   make(map[PacketType]PacketHandler),
	}
	underlying.RegisterHandler(PacketNoiseHandshakeInit, st.handleHandshakeInit)
	underlying.RegisterHandler(PacketNoiseHandshakeResp, st.handleHandshakeResp)
	underlying.RegisterHandler(PacketNoiseMessage, st.handleMessage)

	logrus.WithFields(logrus.Fields{
		"function":   "NewSecureTransport",
		"local_addr": underlying.LocalAddr().String(),
	}).Info("Noise channel encryption enabled")

	return st, nil
}

// Send encrypts and transmits a packet. If no session exists with the peer
// the packet is queued, a handshake is initiated, and the queue is flushed
// when the handshake completes.
func (st *SecureTransport) Send(packet *Packet, addr net.Addr) error {
	sess, err := st.sessionFor(addr, true)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.complete {
		sess.pending = append(sess.pending, packet)
		return nil
	}
	return st.sendLocked(sess, packet, addr)
}

// sendLocked encrypts packet with the session's send cipher. Caller holds
// the session mutex.
func (st *SecureTransport) sendLocked(sess *noiseSession, packet *Packet, addr net.Addr) error {
	inner, err := packet.Serialize()
	if err != nil {
		return err
	}

	nonce := sess.sendNonce
	sess.sendNonce++
	sess.sendCipher.SetNonce(nonce)
	ciphertext, err := sess.sendCipher.Encrypt(nil, nil, inner)
	if err != nil {
		return fmt.Errorf("noise encrypt failed: %w", err)
	}

	framed := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(framed[:8], nonce)
	copy(framed[8:], ciphertext)

	return st.underlying.Send(&Packet{PacketType: PacketNoiseMessage, Data: framed}, addr)
}

// RegisterHandler registers a handler for decrypted inner packets.
func (st *SecureTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	st.handlersMu.Lock()
	defer st.handlersMu.Unlock()
	st.handlers[packetType] = handler
}

// LocalAddr returns the underlying transport's address.
func (st *SecureTransport) LocalAddr() net.Addr {
	return st.underlying.LocalAddr()
}

// Close closes the underlying transport and drops all sessions.
func (st *SecureTransport) Close() error {
	st.sessionsMu.Lock()
	st.sessions = make(map[string]*noiseSession)
	st.sessionsMu.Unlock()
	return st.underlying.Close()
}

// sessionFor returns the session for addr, optionally initiating a new
// handshake when none exists.
func (st *SecureTransport) sessionFor(addr net.Addr, initiate bool) (*noiseSession, error) {
	key := addr.String()

	st.sessionsMu.Lock()
	sess, ok := st.sessions[key]
	if ok && !sess.complete && time.Since(sess.createdAt) > handshakeTimeout {
		delete(st.sessions, key)
		ok = false
	}
	if ok {
		st.sessionsMu.Unlock()
		return sess, nil
	}
	if !initiate {
		st.sessionsMu.Unlock()
		return nil, ErrSessionNotFound
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseCipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		st.sessionsMu.Unlock()
		return nil, err
	}
	sess = &noiseSession{handshake: hs, initiator: true, createdAt: time.Now()}
	st.sessions[key] = sess
	st.sessionsMu.Unlock()

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := st.underlying.Send(&Packet{PacketType: PacketNoiseHandshakeInit, Data: msg}, addr); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "sessionFor",
		"peer":     key,
	}).Debug("Initiated noise handshake")

	return sess, nil
}

func (st *SecureTransport) handleHandshakeInit(packet *Packet, addr net.Addr) error {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseCipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return err
	}

	if _, _, _, err := hs.ReadMessage(nil, packet.Data); err != nil {
		return fmt.Errorf("noise handshake read failed: %w", err)
	}
	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("noise handshake write failed: %w", err)
	}

	sess := &noiseSession{
		initiator:  false,
		complete:   true,
		createdAt:  time.Now(),
		sendCipher: cs2,
		recvCipher: cs1,
	}
	st.sessionsMu.Lock()
	st.sessions[addr.String()] = sess
	st.sessionsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleHandshakeInit",
		"peer":     addr.String(),
	}).Debug("Noise session established (responder)")

	return st.underlying.Send(&Packet{PacketType: PacketNoiseHandshakeResp, Data: msg}, addr)
}

func (st *SecureTransport) handleHandshakeResp(packet *Packet, addr net.Addr) error {
	st.sessionsMu.Lock()
	sess, ok := st.sessions[addr.String()]
	st.sessionsMu.Unlock()
	if !ok || sess.complete || !sess.initiator {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	_, cs1, cs2, err := sess.handshake.ReadMessage(nil, packet.Data)
	if err != nil {
		sess.mu.Unlock()
		return fmt.Errorf("noise handshake response failed: %w", err)
	}
	sess.sendCipher = cs1
	sess.recvCipher = cs2
	sess.complete = true
	pending := sess.pending
	sess.pending = nil

	logrus.WithFields(logrus.Fields{
		"function":       "handleHandshakeResp",
		"peer":           addr.String(),
		"queued_packets": len(pending),
	}).Debug("Noise session established (initiator)")

	// Flush packets queued during the handshake.
	var firstErr error
	for _, p := range pending {
		if err := st.sendLocked(sess, p, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sess.mu.Unlock()
	return firstErr
}

func (st *SecureTransport) handleMessage(packet *Packet, addr net.Addr) error {
	st.sessionsMu.Lock()
	sess, ok := st.sessions[addr.String()]
	st.sessionsMu.Unlock()
	if !ok || !sess.complete {
		return ErrSessionNotFound
	}
	if len(packet.Data) < 8 {
		return errors.New("noise message too short")
	}

	nonce := binary.BigEndian.Uint64(packet.Data[:8])

	sess.mu.Lock()
	sess.recvCipher.SetNonce(nonce)
	plaintext, err := sess.recvCipher.Decrypt(nil, nil, packet.Data[8:])
	sess.mu.Unlock()
	if err != nil {
		return fmt.Errorf("noise decrypt failed: %w", err)
	}

	inner, err := ParsePacket(plaintext)
	if err != nil {
		return err
	}

	st.handlersMu.RLock()
	handler, ok := st.handlers[inner.PacketType]
	st.handlersMu.RUnlock()
	if !ok {
		return nil
	}
	return handler(inner, addr)
}
