package dht

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newActiveLease(t *testing.T) *LeaseManager {
	t.Helper()
	lm := NewLeaseManager(NewRandomNodeID(), AllRoles())
	lm.SetState(StateActive)
	return lm
}

func TestRequestRoleBasics(t *testing.T) {
	lm := newActiveLease(t)

	assert.True(t, lm.RequestRole(RoleQSG, "s1", time.Minute))
	assert.Equal(t, StateBusy, lm.State())

	// Busy node refuses a second role.
	assert.False(t, lm.RequestRole(RoleBG, "s2", time.Minute))

	lm.ReleaseRole()
	assert.Equal(t, StateActive, lm.State())
	assert.True(t, lm.RequestRole(RoleBG, "s2", time.Minute))
}

func TestRequestRoleDeniedWhenOff(t *testing.T) {
	lm := NewLeaseManager(NewRandomNodeID(), AllRoles())
	assert.False(t, lm.RequestRole(RoleQSG, "s1", time.Minute))
}

func TestRequestRoleDeniedWithoutCapability(t *testing.T) {
	lm := NewLeaseManager(NewRandomNodeID(), []Role{RoleQSG})
	lm.SetState(StateActive)

	assert.False(t, lm.RequestRole(RoleBG, "s1", time.Minute))
	assert.True(t, lm.RequestRole(RoleQSG, "s1", time.Minute))
}

func TestExpiredLeaseFreesNode(t *testing.T) {
	lm := newActiveLease(t)

	require.True(t, lm.RequestRole(RoleQSG, "s1", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	// The expired lease reads as free without an explicit release.
	assert.Equal(t, StateActive, lm.State())
	assert.Nil(t, lm.CurrentRole())
	assert.True(t, lm.RequestRole(RoleQPM, "s2", time.Minute))
}

func TestRoleMutualExclusionUnderConcurrency(t *testing.T) {
	lm := newActiveLease(t)

	const goroutines = 64
	var granted atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := AllRoles()[i%5]
			if lm.RequestRole(role, "race", time.Minute) {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load(), "exactly one concurrent request may win")
}

func TestScopedRoleReleaseIsIdempotent(t *testing.T) {
	lm := newActiveLease(t)

	release, ok := lm.ScopedRole(RoleQPP, "s1", time.Minute)
	require.True(t, ok)

	// Eager release plus deferred release must not double-free a lease
	// acquired in between.
	release()
	require.True(t, lm.RequestRole(RoleQPM, "s2", time.Minute))
	release()
	assert.Equal(t, StateBusy, lm.State())
	assert.Equal(t, RoleQPM, lm.CurrentRole().Role)
}

func TestScopedRoleDenied(t *testing.T) {
	lm := newActiveLease(t)
	require.True(t, lm.RequestRole(RoleQSG, "s1", time.Minute))

	release, ok := lm.ScopedRole(RoleBG, "s2", time.Minute)
	assert.False(t, ok)
	assert.Nil(t, release)
}
