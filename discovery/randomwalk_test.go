package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWalkCount(t *testing.T) {
	assert.Equal(t, 5, WalkCount(0))
	assert.Equal(t, 5, WalkCount(40))
	assert.Equal(t, 5, WalkCount(100))
	assert.Equal(t, 10, WalkCount(200))
	assert.Equal(t, 25, WalkCount(500))
}

func TestExploreMergesWalkResults(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(4))
	client.lookupResult = makeContacts(15)

	walker := NewRandomWalkExplorer(client, testSettings())
	found := walker.Explore(context.Background(), 3)

	_, _, lookups := client.outboundCalls()
	assert.Equal(t, 3, lookups, "one lookup per walk")
	assert.Len(t, found, 15, "identical walk results deduplicate by ID")
}

func TestExploredCoverageGrows(t *testing.T) {
	client := newMockClient()
	walker := NewRandomWalkExplorer(client, testSettings())

	assert.Zero(t, walker.ExploredCoverage())
	walker.Explore(context.Background(), 5)

	coverage := walker.ExploredCoverage()
	assert.Greater(t, coverage, 0.0)
	assert.LessOrEqual(t, coverage, 1.0)
}
