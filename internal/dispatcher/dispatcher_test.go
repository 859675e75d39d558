package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproxy/flow-proxy/internal/admission"
	"github.com/flowproxy/flow-proxy/internal/credential"
)

type staticPool []credential.Credential

func (p staticPool) ListActive() []credential.Credential { return p }

func TestSelect_EmptyPool(t *testing.T) {
	d := New(staticPool{}, admission.NewLocalController(1))
	_, err := d.Select(JobImage)
	assert.ErrorIs(t, err, ErrNoAvailableCredential)
}

func TestSelect_PrefersFreeAdmissionSlots(t *testing.T) {
	ctrl := admission.NewLocalController(1)
	ctrl.Register(1, 2)

	// Saturate credential 1.
	slot, ok := ctrl.TryAcquire(1)
	require.True(t, ok)
	defer slot.Release()

	pool := staticPool{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true, ErrorCount: 3},
	}
	d := New(pool, ctrl)

	// Credential 2 has more failures but is the only one with a free slot.
	got, err := d.Select(JobVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelect_PrefersFewerFailures(t *testing.T) {
	ctrl := admission.NewLocalController(2)
	ctrl.Register(1, 2)

	pool := staticPool{
		{ID: 1, Enabled: true, ErrorCount: 4},
		{ID: 2, Enabled: true, ErrorCount: 0},
	}
	got, err := New(pool, ctrl).Select(JobImage)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelect_LeastRecentlyUsed(t *testing.T) {
	ctrl := admission.NewLocalController(2)
	ctrl.Register(1, 2)

	now := time.Now()
	pool := staticPool{
		{ID: 1, Enabled: true, LastUsedAt: now},
		{ID: 2, Enabled: true, LastUsedAt: now.Add(-time.Hour)},
	}
	got, err := New(pool, ctrl).Select(JobImage)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelect_DeterministicTieBreak(t *testing.T) {
	ctrl := admission.NewLocalController(2)
	ctrl.Register(7, 3, 5)

	ts := time.Unix(1700000000, 0)
	pool := staticPool{
		{ID: 7, Enabled: true, LastUsedAt: ts},
		{ID: 3, Enabled: true, LastUsedAt: ts},
		{ID: 5, Enabled: true, LastUsedAt: ts},
	}
	for i := 0; i < 5; i++ {
		got, err := New(pool, ctrl).Select(JobVideo)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.ID)
	}
}

func TestSelect_UnregisteredCredentialRanksLast(t *testing.T) {
	ctrl := admission.NewLocalController(2)
	ctrl.Register(2)

	pool := staticPool{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true, ErrorCount: 2},
	}
	// Credential 1 was never registered with admission (0 slots visible),
	// so credential 2 wins despite its failures.
	got, err := New(pool, ctrl).Select(JobImage)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}
