package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
)

// Well-known directory keys. The layout is compatibility-sensitive: other
// deployments read these exact strings.
const (
	KeyNodesActive  = "cqkd:discovery:nodes:active"
	KeyNodesAll     = "cqkd:discovery:nodes:all"
	keyRegionPrefix = "cqkd:discovery:region:"
	keyNodePrefix   = "cqkd:node:"
	keyCapPrefix    = "cqkd:capability:"
)

// activeListCap bounds the published active-nodes list; the newest entries
// are retained.
const activeListCap = 100

// PublishedNode is the JSON form of a directory entry.
type PublishedNode struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	State        string   `json:"state"`
	Capabilities []string `json:"capabilities"`
	PublishedAt  string   `json:"published_at"`
	TTL          int      `json:"ttl"`
}

// IsExpired reports whether the entry's TTL has elapsed. Entries with an
// unparseable timestamp are treated as expired.
func (pn *PublishedNode) IsExpired() bool {
	publishedAt, err := time.Parse(time.RFC3339, pn.PublishedAt)
	if err != nil {
		return true
	}
	return time.Since(publishedAt) > time.Duration(pn.TTL)*time.Second
}

// ToNodeInfo converts a directory entry back to a NodeInfo.
func (pn *PublishedNode) ToNodeInfo() (dht.NodeInfo, error) {
	id, err := dht.NodeIDFromHex(pn.ID)
	if err != nil {
		return dht.NodeInfo{}, err
	}
	caps := make([]dht.Role, 0, len(pn.Capabilities))
	for _, c := range pn.Capabilities {
		role, err := dht.ParseRole(c)
		if err != nil {
			continue
		}
		caps = append(caps, role)
	}
	if len(caps) == 0 {
		caps = dht.AllRoles()
	}
	return dht.NodeInfo{
		ID:           id,
		Address:      pn.Address,
		Port:         pn.Port,
		State:        dht.NodeState(pn.State),
		Capabilities: caps,
		LastSeen:     time.Now(),
	}, nil
}

func publishedFromInfo(info dht.NodeInfo, ttl time.Duration) PublishedNode {
	caps := make([]string, 0, len(info.Capabilities))
	for _, role := range info.Capabilities {
		caps = append(caps, string(role))
	}
	return PublishedNode{
		ID:           info.ID.String(),
		Address:      info.Address,
		Port:         info.Port,
		State:        string(info.State),
		Capabilities: caps,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TTL:          int(ttl.Seconds()),
	}
}

// RegionKey returns the directory key for an ID's 8-hex-character region.
func RegionKey(id dht.NodeID) string {
	return keyRegionPrefix + id.String()[:8]
}

// NodeKey returns the per-node publication key.
func NodeKey(id dht.NodeID) string {
	return keyNodePrefix + id.String()
}

// CapabilityKey returns the per-capability publication key.
func CapabilityKey(role dht.Role, id dht.NodeID) string {
	return fmt.Sprintf("%s%s:%s", keyCapPrefix, role, id.String())
}

// Publisher writes this node's presence into the peer directory so
// coordinators can discover it without crawling.
type Publisher struct {
	client Client
}

// NewPublisher creates a directory publisher backed by client.
func NewPublisher(client Client) *Publisher {
	return &Publisher{client: client}
}

// Publish announces a node under every directory key. Individual key
// failures are logged and skipped; publication is best-effort by design.
func (p *Publisher) Publish(ctx context.Context, info dht.NodeInfo, ttl time.Duration) error {
	entry := publishedFromInfo(info, ttl)
	value, err := dht.JSONValue(entry)
	if err != nil {
		return err
	}

	keys := []string{
		NodeKey(info.ID),
		KeyNodesAll,
		RegionKey(info.ID),
	}
	for _, role := range info.Capabilities {
		keys = append(keys, CapabilityKey(role, info.ID))
	}

	published := 0
	for _, key := range keys {
		if err := p.client.Put(ctx, key, value); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Publish",
				"node_id":  info.ID.Short(),
				"key":      key,
				"error":    err.Error(),
			}).Warn("Directory key publication failed")
			continue
		}
		published++
	}

	if err := p.appendToActiveList(ctx, entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Publish",
			"node_id":  info.ID.Short(),
			"error":    err.Error(),
		}).Warn("Active-list publication failed")
	} else {
		published++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Publish",
		"node_id":  info.ID.Short(),
		"keys":     published,
	}).Info("Node published to peer directory")

	return nil
}

// appendToActiveList merges the entry into the capped active-nodes list.
func (p *Publisher) appendToActiveList(ctx context.Context, entry PublishedNode) error {
	var existing []PublishedNode
	value, found, err := p.client.Get(ctx, KeyNodesActive)
	if err == nil && found {
		// A corrupt list is replaced rather than propagated.
		if ok, decodeErr := value.Decode(&existing); !ok || decodeErr != nil {
			existing = nil
		}
	}

	merged := make([]PublishedNode, 0, len(existing)+1)
	for _, e := range existing {
		if e.ID != entry.ID && !e.IsExpired() {
			merged = append(merged, e)
		}
	}
	merged = append(merged, entry)
	if len(merged) > activeListCap {
		merged = merged[len(merged)-activeListCap:]
	}

	listValue, err := dht.JSONValue(merged)
	if err != nil {
		return err
	}
	return p.client.Put(ctx, KeyNodesActive, listValue)
}
