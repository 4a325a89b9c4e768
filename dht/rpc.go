package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/transport"
)

// registerHandlers wires the request and response packet types into the
// transport. Requests are answered inline; responses route through the RPC
// manager back to their callers.
func (s *Server) registerHandlers() {
	s.transport.RegisterHandler(transport.PacketPingRequest, s.handlePing)
	s.transport.RegisterHandler(transport.PacketFindNode, s.handleFindNode)
	s.transport.RegisterHandler(transport.PacketStore, s.handleStore)
	s.transport.RegisterHandler(transport.PacketFindValue, s.handleFindValue)

	respond := func(packet *transport.Packet, _ net.Addr) error {
		s.rpc.deliver(packet.Data)
		return nil
	}
	s.transport.RegisterHandler(transport.PacketPingResponse, s.observing(respond))
	s.transport.RegisterHandler(transport.PacketFoundNodes, s.observing(respond))
	s.transport.RegisterHandler(transport.PacketStoreResponse, s.observing(respond))
	s.transport.RegisterHandler(transport.PacketValueFound, s.observing(respond))
}

// observing wraps a handler so the sender contact embedded in every
// message feeds the routing table, Kademlia's passive learning path.
func (s *Server) observing(next transport.PacketHandler) transport.PacketHandler {
	return func(packet *transport.Packet, addr net.Addr) error {
		var probe struct {
			Sender wireContact `json:"sender"`
		}
		if err := json.Unmarshal(packet.Data, &probe); err == nil {
			if c, err := fromWire(probe.Sender); err == nil {
				s.routing.AddContact(c)
			}
		}
		return next(packet, addr)
	}
}

func (s *Server) handlePing(packet *transport.Packet, addr net.Addr) error {
	var req pingMessage
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		return err
	}
	if c, err := fromWire(req.Sender); err == nil {
		s.routing.AddContact(c)
	}

	resp := pingMessage{RPCID: req.RPCID, Sender: toWire(s.SelfContact())}
	return s.reply(transport.PacketPingResponse, resp, addr)
}

func (s *Server) handleFindNode(packet *transport.Packet, addr net.Addr) error {
	var req findNodeRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		return err
	}
	if c, err := fromWire(req.Sender); err == nil {
		s.routing.AddContact(c)
	}

	target, err := NodeIDFromHex(req.Target)
	if err != nil {
		return err
	}

	closest := s.routing.FindClosest(target, s.routing.KSize())
	wires := make([]wireContact, 0, len(closest))
	for _, c := range closest {
		wires = append(wires, toWire(c))
	}

	resp := foundNodesResponse{RPCID: req.RPCID, Sender: toWire(s.SelfContact()), Contacts: wires}
	return s.reply(transport.PacketFoundNodes, resp, addr)
}

func (s *Server) handleStore(packet *transport.Packet, addr net.Addr) error {
	var req storeRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		return err
	}
	if c, err := fromWire(req.Sender); err == nil {
		s.routing.AddContact(c)
	}

	s.storage.Put(req.Key, RawValue(req.Value))
	logrus.WithFields(logrus.Fields{
		"function": "handleStore",
		"node_id":  s.id.Short(),
		"key":      req.Key,
		"bytes":    len(req.Value),
	}).Debug("Stored replicated value")

	resp := storeResponse{RPCID: req.RPCID, Sender: toWire(s.SelfContact()), OK: true}
	return s.reply(transport.PacketStoreResponse, resp, addr)
}

func (s *Server) handleFindValue(packet *transport.Packet, addr net.Addr) error {
	var req findValueRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		return err
	}
	if c, err := fromWire(req.Sender); err == nil {
		s.routing.AddContact(c)
	}

	resp := findValueResponse{RPCID: req.RPCID, Sender: toWire(s.SelfContact())}
	if value, ok := s.storage.Get(req.Key); ok {
		resp.Found = true
		resp.Value = value.Bytes()
	} else {
		closest := s.routing.FindClosest(KeyDigest(req.Key), s.routing.KSize())
		for _, c := range closest {
			resp.Contacts = append(resp.Contacts, toWire(c))
		}
	}
	return s.reply(transport.PacketValueFound, resp, addr)
}

func (s *Server) reply(packetType transport.PacketType, body any, addr net.Addr) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.transport.Send(&transport.Packet{PacketType: packetType, Data: data}, addr)
}

// Ping probes a contact for liveness within timeout.
func (s *Server) Ping(ctx context.Context, c Contact, timeout time.Duration) error {
	return s.pingAddrTimeout(ctx, c.Addr(), timeout)
}

// PingAddress probes a bare host:port endpoint, resolving it to IPv4
// first. Used by the bootstrap pool health loop, which knows addresses
// but not node IDs.
func (s *Server) PingAddress(ctx context.Context, hp config.HostPort, timeout time.Duration) error {
	addr, err := resolveIPv4(hp)
	if err != nil {
		return err
	}
	return s.pingAddrTimeout(ctx, addr, timeout)
}

func (s *Server) pingAddr(ctx context.Context, addr net.Addr) error {
	return s.pingAddrTimeout(ctx, addr, s.cfg.BaseQueryTimeout)
}

func (s *Server) pingAddrTimeout(ctx context.Context, addr net.Addr, timeout time.Duration) error {
	req := pingMessage{RPCID: newRPCID(), Sender: toWire(s.SelfContact())}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.rpc.call(ctx, addr, transport.PacketPingRequest, req.RPCID, body, timeout)
	return err
}

// FindNode queries a contact for its closest nodes to target.
func (s *Server) FindNode(ctx context.Context, c Contact, target NodeID, timeout time.Duration) ([]Contact, error) {
	req := findNodeRequest{
		RPCID:  newRPCID(),
		Sender: toWire(s.SelfContact()),
		Target: target.String(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := s.rpc.call(ctx, c.Addr(), transport.PacketFindNode, req.RPCID, body, timeout)
	if err != nil {
		return nil, err
	}

	var resp foundNodesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid found-nodes response: %w", err)
	}
	contacts := fromWireList(resp.Contacts)
	for _, found := range contacts {
		s.routing.AddContact(found)
	}
	return contacts, nil
}

func (s *Server) storeRPC(ctx context.Context, c Contact, key string, value Value, timeout time.Duration) error {
	req := storeRequest{
		RPCID:  newRPCID(),
		Sender: toWire(s.SelfContact()),
		Key:    key,
		Value:  value.Bytes(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	raw, err := s.rpc.call(ctx, c.Addr(), transport.PacketStore, req.RPCID, body, timeout)
	if err != nil {
		return err
	}

	var resp storeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("invalid store response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("peer %s rejected store of %s", c.ID.Short(), key)
	}
	return nil
}

func (s *Server) findValueRPC(ctx context.Context, c Contact, key string, timeout time.Duration) (Value, bool, []Contact, error) {
	req := findValueRequest{
		RPCID:  newRPCID(),
		Sender: toWire(s.SelfContact()),
		Key:    key,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Value{}, false, nil, err
	}
	raw, err := s.rpc.call(ctx, c.Addr(), transport.PacketFindValue, req.RPCID, body, timeout)
	if err != nil {
		return Value{}, false, nil, err
	}

	var resp findValueResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Value{}, false, nil, fmt.Errorf("invalid find-value response: %w", err)
	}
	if resp.Found {
		return RawValue(resp.Value), true, nil, nil
	}
	return Value{}, false, fromWireList(resp.Contacts), nil
}
