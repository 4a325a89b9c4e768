package discovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
)

// Result is the outcome of one discovery pass.
type Result struct {
	Nodes         []dht.NodeInfo
	QueryCount    int
	FailedQueries int
	Duration      time.Duration
}

// Service discovers peers with an iterative FIND_NODE crawl seeded from
// the local routing table and the published peer directory.
type Service struct {
	client Client
	cfg    *config.Settings
}

// NewService creates a discovery service.
func NewService(client Client, cfg *config.Settings) *Service {
	return &Service{client: client, cfg: cfg}
}

// DiscoverNodes finds at least requiredCount peers, preferring those with
// every role in requiredCaps. A routing table that already holds enough
// entries short-circuits to local enumeration with zero outbound RPCs.
// The result may exceed requiredCount; callers trim.
func (s *Service) DiscoverNodes(ctx context.Context, requiredCount int, requiredCaps []dht.Role) Result {
	start := time.Now()
	target := dht.NewRandomNodeID()
	params := s.cfg.AdaptiveKademliaParams(s.client.Info().TotalNodes)

	logrus.WithFields(logrus.Fields{
		"function":       "DiscoverNodes",
		"required_count": requiredCount,
		"capabilities":   requiredCaps,
		"alpha":          params.Alpha,
		"k":              params.K,
	}).Info("Node discovery starting")

	// Saturated routing table: local enumeration is authoritative and free.
	info := s.client.Info()
	if info.TotalNodes >= requiredCount {
		local := s.client.FindClosestLocal(target, requiredCount)
		logrus.WithFields(logrus.Fields{
			"function":    "DiscoverNodes",
			"total_nodes": info.TotalNodes,
			"returned":    len(local),
		}).Info("Routing table saturated, using local enumeration")
		return Result{
			Nodes:    contactsToInfos(local),
			Duration: time.Since(start),
		}
	}

	directory := s.readPublishedDirectory(ctx, target, requiredCaps)

	// Seed the crawl with local neighbours plus directory peers.
	seeds := s.client.FindClosestLocal(target, params.K)
	seen := make(map[dht.NodeID]struct{}, len(seeds))
	for _, c := range seeds {
		seen[c.ID] = struct{}{}
	}
	for _, info := range directory {
		if _, ok := seen[info.ID]; !ok {
			seeds = append(seeds, info.Contact())
			seen[info.ID] = struct{}{}
		}
	}

	crawled := s.client.LookupWithSeeds(ctx, target, seeds, params.K, params.Alpha, params.QueryTimeout)
	queryCount := len(crawled)

	// Expand with direct FIND_NODE fan-out against up to alpha contacts the
	// crawl surfaced, to widen coverage beyond the convergence path.
	extra, failed := s.expandWithFindNode(ctx, crawled, target, params)

	merged := mergeByID(directory, contactsToInfos(crawled), contactsToInfos(extra))
	targetCount := requiredCount * 2
	if len(merged) > targetCount {
		merged = closestInfos(merged, target, targetCount)
	}

	result := Result{
		Nodes:         merged,
		QueryCount:    queryCount + len(extra),
		FailedQueries: failed,
		Duration:      time.Since(start),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "DiscoverNodes",
		"discovered": len(result.Nodes),
		"required":   requiredCount,
		"duration":   result.Duration.String(),
	}).Info("Node discovery complete")

	if len(result.Nodes) < requiredCount {
		logrus.WithFields(logrus.Fields{
			"function":   "DiscoverNodes",
			"discovered": len(result.Nodes),
			"required":   requiredCount,
		}).Warn("Discovery found fewer nodes than required")
	}

	return result
}

// readPublishedDirectory reads the peer directory keys, tolerating parse
// failures per key. The region bucket is keyed by the lookup target, so
// the crawl picks up peers published near where it is headed. Expired
// entries are ignored; the capability filter applies only to entries that
// advertise capabilities.
func (s *Service) readPublishedDirectory(ctx context.Context, target dht.NodeID, requiredCaps []dht.Role) []dht.NodeInfo {
	keys := []string{KeyNodesActive, KeyNodesAll, RegionKey(target)}

	var out []dht.NodeInfo
	for _, key := range keys {
		value, found, err := s.client.Get(ctx, key)
		if err != nil || !found {
			continue
		}

		var entries []PublishedNode
		if ok, _ := value.Decode(&entries); !ok {
			var single PublishedNode
			if ok, _ := value.Decode(&single); !ok {
				logrus.WithFields(logrus.Fields{
					"function": "readPublishedDirectory",
					"key":      key,
				}).Debug("Unparseable directory entry skipped")
				continue
			}
			entries = []PublishedNode{single}
		}

		for i := range entries {
			entry := &entries[i]
			if entry.IsExpired() {
				continue
			}
			info, err := entry.ToNodeInfo()
			if err != nil {
				continue
			}
			if info.ID == s.client.SelfContact().ID {
				continue
			}
			if !hasAllCapabilities(info, requiredCaps) {
				continue
			}
			out = append(out, info)
		}
	}
	return out
}

func (s *Service) expandWithFindNode(ctx context.Context, frontier []dht.Contact, target dht.NodeID, params config.KademliaParams) ([]dht.Contact, int) {
	var extra []dht.Contact
	failed := 0
	queried := 0
	for _, c := range frontier {
		if queried >= params.Alpha {
			break
		}
		queried++
		found, err := s.client.FindNode(ctx, c, target, params.QueryTimeout)
		if err != nil {
			failed++
			continue
		}
		extra = append(extra, found...)
	}
	return extra, failed
}

func hasAllCapabilities(info dht.NodeInfo, required []dht.Role) bool {
	for _, role := range required {
		if !info.HasCapability(role) {
			return false
		}
	}
	return true
}

// contactsToInfos lifts bare contacts into NodeInfo records. A crawled
// contact answered a FIND_NODE, so it reads as active with the default
// capability set.
func contactsToInfos(contacts []dht.Contact) []dht.NodeInfo {
	out := make([]dht.NodeInfo, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, dht.NodeInfo{
			ID:           c.ID,
			Address:      c.Address,
			Port:         c.Port,
			State:        dht.StateActive,
			Capabilities: dht.AllRoles(),
			LastSeen:     time.Now(),
		})
	}
	return out
}

func mergeByID(lists ...[]dht.NodeInfo) []dht.NodeInfo {
	seen := make(map[dht.NodeID]struct{})
	var out []dht.NodeInfo
	for _, list := range lists {
		for _, info := range list {
			if _, ok := seen[info.ID]; ok {
				continue
			}
			seen[info.ID] = struct{}{}
			out = append(out, info)
		}
	}
	return out
}

func closestInfos(infos []dht.NodeInfo, target dht.NodeID, n int) []dht.NodeInfo {
	contacts := make([]dht.Contact, 0, len(infos))
	byID := make(map[dht.NodeID]dht.NodeInfo, len(infos))
	for _, info := range infos {
		contacts = append(contacts, info.Contact())
		byID[info.ID] = info
	}
	closest := dht.KClosest(contacts, target, n)
	out := make([]dht.NodeInfo, 0, len(closest))
	for _, c := range closest {
		out = append(out, byID[c.ID])
	}
	return out
}
