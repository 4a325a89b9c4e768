package dht

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// maxLookupRounds bounds an iterative lookup regardless of convergence.
const maxLookupRounds = 20

// Lookup runs an iterative FIND_NODE toward target with alpha-parallel
// fan-out and a shortlist of width k, seeded from the local routing table.
// It returns the closest contacts found, ascending by distance.
func (s *Server) Lookup(ctx context.Context, target NodeID, k, alpha int, queryTimeout time.Duration) []Contact {
	seeds := s.routing.FindClosest(target, k)
	return s.LookupWithSeeds(ctx, target, seeds, k, alpha, queryTimeout)
}

// LookupWithSeeds is Lookup with an explicit initial peer set; the
// discovery pipeline uses it to merge published-directory peers into the
// crawl frontier. Termination follows the standard Kademlia rule: a round
// that brings nothing closer than the current best ends the crawl.
func (s *Server) LookupWithSeeds(ctx context.Context, target NodeID, seeds []Contact, k, alpha int, queryTimeout time.Duration) []Contact {
	if alpha < 1 {
		alpha = 1
	}
	if k < 1 {
		k = 1
	}

	shortlist := make(map[NodeID]Contact)
	for _, c := range seeds {
		if c.ID != s.id {
			shortlist[c.ID] = c
		}
	}
	if len(shortlist) == 0 {
		return nil
	}

	queried := make(map[NodeID]bool)
	sem := semaphore.NewWeighted(int64(alpha))

	for round := 0; round < maxLookupRounds; round++ {
		candidates := unqueriedClosest(shortlist, queried, target, alpha)
		if len(candidates) == 0 {
			break
		}

		bestBefore := closestDistance(shortlist, target)

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, c := range candidates {
			queried[c.ID] = true

			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return finishLookup(shortlist, target, k)
			}
			wg.Add(1)
			go func(c Contact) {
				defer wg.Done()
				defer sem.Release(1)

				found, err := s.FindNode(ctx, c, target, queryTimeout)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "LookupWithSeeds",
						"node_id":  s.id.Short(),
						"peer":     c.ID.Short(),
						"error":    err.Error(),
					}).Debug("FIND_NODE query failed")
					return
				}

				mu.Lock()
				for _, f := range found {
					if f.ID != s.id {
						shortlist[f.ID] = f
					}
				}
				mu.Unlock()
			}(c)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}

		bestAfter := closestDistance(shortlist, target)
		if !bestAfter.Less(bestBefore) {
			// No progress this round: the shortlist has converged.
			break
		}
	}

	return finishLookup(shortlist, target, k)
}

func unqueriedClosest(shortlist map[NodeID]Contact, queried map[NodeID]bool, target NodeID, n int) []Contact {
	var pending []Contact
	for id, c := range shortlist {
		if !queried[id] {
			pending = append(pending, c)
		}
	}
	SortByDistance(pending, target)
	if len(pending) > n {
		pending = pending[:n]
	}
	return pending
}

func closestDistance(shortlist map[NodeID]Contact, target NodeID) NodeID {
	var best NodeID
	for i := range best {
		best[i] = 0xff
	}
	for id := range shortlist {
		d := id.Distance(target)
		if d.Less(best) {
			best = d
		}
	}
	return best
}

func finishLookup(shortlist map[NodeID]Contact, target NodeID, k int) []Contact {
	all := make([]Contact, 0, len(shortlist))
	for _, c := range shortlist {
		all = append(all, c)
	}
	return KClosest(all, target, k)
}
