package session

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"

	"github.com/opd-ai/cqkd/dht"
)

// Sizing fixes the derived lengths for one key exchange: lk accounts for
// the expected ~50% sift loss, alpha for one node per role per position.
type Sizing struct {
	LC    int // desired final key length in bits
	LK    int // initial key length, ceil(multiplier * lc)
	Alpha int // total nodes required, multiplier * lk
}

// NewSizing computes the session sizing from the desired key length.
func NewSizing(lc int, keyLengthMultiplier float64, requiredNodesMultiplier int) Sizing {
	lk := int(math.Ceil(keyLengthMultiplier * float64(lc)))
	return Sizing{
		LC:    lc,
		LK:    lk,
		Alpha: requiredNodesMultiplier * lk,
	}
}

// allocationOrder fixes the contiguous slice order of the five roles.
var allocationOrder = []dht.Role{dht.RoleQSG, dht.RoleBG, dht.RoleQPP, dht.RoleQPM, dht.RoleQPC}

// Allocation maps each role to its ordered node slice for one session.
type Allocation map[dht.Role][]dht.NodeInfo

// Allocate partitions available nodes into five contiguous slices of
// length lk in the order QSG, BG, QPP, QPM, QPC. Fails when fewer than
// 5*lk nodes are available.
func Allocate(available []dht.NodeInfo, lk int) (Allocation, error) {
	needed := len(allocationOrder) * lk
	if len(available) < needed {
		return nil, fmt.Errorf("allocation needs %d nodes, have %d", needed, len(available))
	}

	alloc := make(Allocation, len(allocationOrder))
	offset := 0
	for _, role := range allocationOrder {
		slice := make([]dht.NodeInfo, lk)
		copy(slice, available[offset:offset+lk])
		alloc[role] = slice
		offset += lk
	}
	return alloc, nil
}

// NodeIDs returns the hex IDs of a role's slice, in order.
func (a Allocation) NodeIDs(role dht.Role) []string {
	nodes := a[role]
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID.String())
	}
	return out
}

// Context is the full per-session state, owned by Alice.
type Context struct {
	SessionID      string
	Sizing         Sizing
	Allocation     Allocation
	SortingRule    []int
	AliceBits      []int
	AliceBases     []string
	ValidPositions []int
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// RandomPermutation samples a uniform permutation of [0,n) with the
// CSPRNG (Fisher-Yates). The permutation doubles as the sorting rule sent
// to Bob, so predictability here would leak key structure.
func RandomPermutation(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := cryptoIntN(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// ApplyPermutation returns values reordered so position j holds
// values[perm[j]]. Both of Alice's sequences move through this with the
// same permutation, preserving bit/basis pairing.
func ApplyPermutation[T any](values []T, perm []int) []T {
	out := make([]T, len(values))
	for j, src := range perm {
		out[j] = values[src]
	}
	return out
}

// IsPermutation verifies that rule is a bijection on [0,n).
func IsPermutation(rule []int, n int) bool {
	if len(rule) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range rule {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

// SiftByRule extracts the bits whose original position survived sifting.
// bits is indexed in shuffled order: position j corresponds to original
// index rule[j]. Both principals run this with the same rule and the same
// valid set, so their kept sequences align position by position.
func SiftByRule(bits []int, rule []int, validPositions []int) []int {
	valid := make(map[int]struct{}, len(validPositions))
	for _, p := range validPositions {
		valid[p] = struct{}{}
	}
	var out []int
	for j, original := range rule {
		if j >= len(bits) {
			break
		}
		if _, ok := valid[original]; ok {
			out = append(out, bits[j])
		}
	}
	return out
}

func cryptoIntN(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("cannot draw random index: %v", err))
	}
	return int(v.Int64())
}
