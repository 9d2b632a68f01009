package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/errors"
	kilntest "github.com/kilnworks/kiln/internal/testing"
	"github.com/kilnworks/kiln/store"
)

func newGateWithUser(t *testing.T, tier store.Tier) (*Gate, *store.Store, *store.User) {
	t.Helper()
	st := store.New(kilntest.CreateTestDB(t))
	user, err := st.CreateUser("u1", tier, "key")
	require.NoError(t, err)
	return NewGate(st, nil), st, user
}

func TestAdmitTierTable(t *testing.T) {
	tests := []struct {
		name        string
		tier        store.Tier
		action      Action
		used        int
		wantAllowed bool
	}{
		{"free compile always admits", store.TierFree, ActionCompile, 1000, true},
		{"free deploy under limit", store.TierFree, ActionDeploy, 4, true},
		{"free deploy at limit", store.TierFree, ActionDeploy, 5, false},
		{"free ftest under limit", store.TierFree, ActionFunctionTest, 1, true},
		{"free ftest at limit", store.TierFree, ActionFunctionTest, 2, false},
		{"mid deploy unbounded", store.TierMid, ActionDeploy, 10000, true},
		{"mid ftest under limit", store.TierMid, ActionFunctionTest, 4, true},
		{"mid ftest at limit", store.TierMid, ActionFunctionTest, 5, false},
		{"top deploy unbounded", store.TierTop, ActionDeploy, 10000, true},
		{"top ftest unbounded", store.TierTop, ActionFunctionTest, 10000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _, user := newGateWithUser(t, tt.tier)

			switch tt.action {
			case ActionDeploy, ActionCompile:
				user.Deploy.Count = tt.used
			case ActionFunctionTest:
				user.FunctionTest.Count = tt.used
			}

			err := gate.Admit(user, tt.action)
			if tt.wantAllowed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExceededErrorCarriesUsage(t *testing.T) {
	gate, _, user := newGateWithUser(t, store.TierFree)
	user.Deploy.Count = 5

	err := gate.Admit(user, ActionDeploy)
	require.Error(t, err)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, ActionDeploy, exceeded.Action)
	assert.Equal(t, 5, exceeded.Current)
	assert.Equal(t, 5, exceeded.Limit)

	assert.True(t, errors.Is(err, errors.ErrQuotaExceeded))
	assert.True(t, errors.Is(err, errors.ErrForbidden), "ingress maps the rejection to 403")
}

func TestAdmitNeverIncrements(t *testing.T) {
	gate, st, user := newGateWithUser(t, store.TierFree)

	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Admit(user, ActionDeploy))
	}

	reloaded, err := st.GetUser(user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Deploy.Count, "admission must not consume quota")
}

func TestLazyWindowReset(t *testing.T) {
	gate, st, user := newGateWithUser(t, store.TierFree)

	// Simulate a window that filled up 31 days ago.
	user.Deploy.Count = 5
	user.Deploy.ResetAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	require.NoError(t, st.SaveCounters(user))

	require.NoError(t, gate.Admit(user, ActionDeploy), "expired window admits again")
	assert.Equal(t, 0, user.Deploy.Count)

	// The reset was persisted, not just applied in memory.
	reloaded, err := st.GetUser(user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Deploy.Count)
	assert.WithinDuration(t, time.Now().UTC(), reloaded.Deploy.ResetAt, time.Minute)
}

func TestFreshWindowIsNotReset(t *testing.T) {
	gate, st, user := newGateWithUser(t, store.TierFree)

	user.Deploy.Count = 3
	require.NoError(t, st.SaveCounters(user))
	before := user.Deploy.ResetAt

	require.NoError(t, gate.Admit(user, ActionDeploy))
	assert.Equal(t, 3, user.Deploy.Count)
	assert.Equal(t, before, user.Deploy.ResetAt)
}

func TestAdmitUnknownAction(t *testing.T) {
	gate, _, user := newGateWithUser(t, store.TierTop)
	assert.Error(t, gate.Admit(user, Action("mint")))
}
