package discovery

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
)

// regionSpace is the number of distinct 32-bit ID prefixes, used for the
// explored-coverage diagnostic.
const regionSpace = float64(1 << 32)

// RandomWalkExplorer diversifies the discovered peer set by running
// parallel iterative lookups against fresh random targets. Each walk pulls
// in peers from a different corner of the ID space than the convergent
// discovery crawl reaches.
type RandomWalkExplorer struct {
	client Client
	cfg    *config.Settings

	regions map[uint32]struct{}
	mu      sync.Mutex
}

// NewRandomWalkExplorer creates an explorer.
func NewRandomWalkExplorer(client Client, cfg *config.Settings) *RandomWalkExplorer {
	return &RandomWalkExplorer{
		client:  client,
		cfg:     cfg,
		regions: make(map[uint32]struct{}),
	}
}

// WalkCount sizes the walk fan-out for the remaining node deficit:
// one walk per 20 missing nodes, with a floor of 5.
func WalkCount(remaining int) int {
	walks := remaining / 20
	if walks < 5 {
		walks = 5
	}
	return walks
}

// Explore launches walks parallel random-target lookups and returns the
// deduplicated union of their results.
func (rw *RandomWalkExplorer) Explore(ctx context.Context, walks int) []dht.NodeInfo {
	params := rw.cfg.AdaptiveKademliaParams(rw.client.Info().TotalNodes)

	logrus.WithFields(logrus.Fields{
		"function": "Explore",
		"walks":    walks,
		"k":        params.K,
	}).Info("Random walk exploration starting")

	start := time.Now()
	results := make([][]dht.Contact, walks)

	var wg sync.WaitGroup
	for i := 0; i < walks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			target := dht.NewRandomNodeID()
			rw.trackRegion(target)

			seeds := rw.client.FindClosestLocal(target, params.K)
			results[i] = rw.client.LookupWithSeeds(ctx, target, seeds, params.K, params.Alpha, params.QueryTimeout)
		}(i)
	}
	wg.Wait()

	var all []dht.Contact
	for _, r := range results {
		all = append(all, r...)
	}
	merged := mergeByID(contactsToInfos(all))

	logrus.WithFields(logrus.Fields{
		"function":   "Explore",
		"walks":      walks,
		"discovered": len(merged),
		"coverage":   rw.ExploredCoverage(),
		"duration":   time.Since(start).String(),
	}).Info("Random walk exploration complete")

	return merged
}

func (rw *RandomWalkExplorer) trackRegion(target dht.NodeID) {
	region := binary.BigEndian.Uint32(target[:4])
	rw.mu.Lock()
	rw.regions[region] = struct{}{}
	rw.mu.Unlock()
}

// ExploredCoverage reports the fraction of 32-bit ID regions walked so
// far, clipped to 1.0. Purely diagnostic.
func (rw *RandomWalkExplorer) ExploredCoverage() float64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	coverage := float64(len(rw.regions)) / regionSpace
	if coverage > 1.0 {
		coverage = 1.0
	}
	return coverage
}
