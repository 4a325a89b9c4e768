package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/transport"
)

// wireContact is the JSON form of a Contact; IDs travel as hex strings.
type wireContact struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func toWire(c Contact) wireContact {
	return wireContact{ID: c.ID.String(), Address: c.Address, Port: c.Port}
}

func fromWire(w wireContact) (Contact, error) {
	id, err := NodeIDFromHex(w.ID)
	if err != nil {
		return Contact{}, err
	}
	return Contact{ID: id, Address: w.Address, Port: w.Port}, nil
}

func fromWireList(ws []wireContact) []Contact {
	out := make([]Contact, 0, len(ws))
	for _, w := range ws {
		c, err := fromWire(w)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Wire message bodies. Every message carries the rpc_id used for
// correlation and the sender contact so receivers can populate their
// routing tables from observed traffic.

type pingMessage struct {
	RPCID  string      `json:"rpc_id"`
	Sender wireContact `json:"sender"`
}

type findNodeRequest struct {
	RPCID  string      `json:"rpc_id"`
	Sender wireContact `json:"sender"`
	Target string      `json:"target"`
}

type foundNodesResponse struct {
	RPCID    string        `json:"rpc_id"`
	Sender   wireContact   `json:"sender"`
	Contacts []wireContact `json:"contacts"`
}

type storeRequest struct {
	RPCID  string      `json:"rpc_id"`
	Sender wireContact `json:"sender"`
	Key    string      `json:"key"`
	Value  []byte      `json:"value"`
}

type storeResponse struct {
	RPCID  string      `json:"rpc_id"`
	Sender wireContact `json:"sender"`
	OK     bool        `json:"ok"`
}

type findValueRequest struct {
	RPCID  string      `json:"rpc_id"`
	Sender wireContact `json:"sender"`
	Key    string      `json:"key"`
}

type findValueResponse struct {
	RPCID    string        `json:"rpc_id"`
	Sender   wireContact   `json:"sender"`
	Found    bool          `json:"found"`
	Value    []byte        `json:"value,omitempty"`
	Contacts []wireContact `json:"contacts,omitempty"`
}

// rpcID is the minimal envelope parsed from responses for correlation.
type rpcID struct {
	RPCID string `json:"rpc_id"`
}

// rpcManager matches outbound requests with inbound responses across the
// packet transport. One pending slot exists per in-flight rpc_id; responses
// with no matching slot are dropped.
type rpcManager struct {
	transport transport.Transport
	pending   map[string]chan []byte
	mu        sync.Mutex
}

func newRPCManager(t transport.Transport) *rpcManager {
	return &rpcManager{
		transport: t,
		pending:   make(map[string]chan []byte),
	}
}

// call sends a request packet and waits for its correlated response, up to
// timeout.
func (r *rpcManager) call(ctx context.Context, addr net.Addr, packetType transport.PacketType, id string, body []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := r.transport.Send(&transport.Packet{PacketType: packetType, Data: body}, addr); err != nil {
		return nil, fmt.Errorf("rpc send failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("rpc %s to %s timed out after %s", id, addr, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver routes a response packet to its pending caller.
func (r *rpcManager) deliver(data []byte) {
	var env rpcID
	if err := json.Unmarshal(data, &env); err != nil || env.RPCID == "" {
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[env.RPCID]
	r.mu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"rpc_id":   env.RPCID,
		}).Debug("Dropping unmatched RPC response")
		return
	}

	select {
	case ch <- data:
	default:
	}
}

func newRPCID() string {
	return uuid.NewString()
}
