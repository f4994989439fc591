package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/freeip/internal/address"
	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/store"
	"github.com/anstrom/freeip/internal/store/mocks"
)

const day = uint64(86_400_000)

type persistenceCounter struct {
	metrics.Nop
	mu     sync.Mutex
	errors map[string]int
}

func (p *persistenceCounter) PersistenceError(operation string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errors == nil {
		p.errors = make(map[string]int)
	}
	p.errors[operation]++
}

func (p *persistenceCounter) count(operation string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors[operation]
}

func newTestCache(st store.Store) *Cache {
	return New(st, logging.NewDiscard(), metrics.Nop{})
}

func TestFreshCacheIsNeverScanned(t *testing.T) {
	c := newTestCache(store.NewMemory())
	c.Load(context.Background())

	assert.Equal(t, NeverScanned, c.Status())
	assert.Zero(t, c.LastUpdated())
	assert.Empty(t, c.Addresses())
	assert.True(t, c.IsExpired(NowMillis(time.Now())))
}

func TestIsExpiredBoundary(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())
	c.RecordAddress(ctx, "10.0.0.5", 1_000)

	tests := []struct {
		name    string
		now     uint64
		expired bool
	}{
		{"same instant", 1_000, false},
		{"exactly one day", 1_000 + day, false},
		{"one day and a millisecond", 1_000 + day + 1, true},
		{"clock moved backwards", 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, c.IsExpired(tt.now))
		})
	}
}

func TestRecordAddressPersists(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := newTestCache(st)

	assert.True(t, c.RecordAddress(ctx, "10.0.0.50", 100))
	assert.True(t, c.RecordAddress(ctx, "10.0.0.5", 200))
	assert.False(t, c.RecordAddress(ctx, "10.0.0.5", 300))

	raw, err := st.Get(ctx, KeyAddresses)
	require.NoError(t, err)
	assert.JSONEq(t, `["10.0.0.5","10.0.0.50"]`, raw)

	ts, err := store.GetUint64(ctx, st, KeyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), ts)
	assert.Equal(t, HasResults, c.Status())
}

func TestResetForNewScan(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := newTestCache(st)

	c.RecordAddress(ctx, "10.0.0.7", 100)
	c.MarkCompleted(ctx, 150)
	c.ResetForNewScan(ctx)

	assert.Empty(t, c.Addresses())
	assert.Zero(t, c.LastUpdated())
	assert.Equal(t, NeverScanned, c.Status())

	raw, err := st.Get(ctx, KeyAddresses)
	require.NoError(t, err)
	assert.Equal(t, `[]`, raw)

	completed, err := store.GetBool(ctx, st, KeyCompleted)
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("zero results become fresh and empty", func(t *testing.T) {
		c := newTestCache(store.NewMemory())
		c.ResetForNewScan(ctx)
		c.MarkCompleted(ctx, 5_000)

		assert.Equal(t, Empty, c.Status())
		assert.Equal(t, uint64(5_000), c.LastUpdated())
		assert.False(t, c.IsExpired(5_000+day))
	})

	t.Run("empty survives expiry", func(t *testing.T) {
		c := newTestCache(store.NewMemory())
		c.MarkCompleted(ctx, 5_000)

		entry := c.Snapshot(5_000 + 2*day)
		assert.Equal(t, Empty, entry.Status)
		assert.True(t, entry.Expired)
	})

	t.Run("results keep last discovery time", func(t *testing.T) {
		c := newTestCache(store.NewMemory())
		c.RecordAddress(ctx, "10.0.0.9", 1_000)
		c.MarkCompleted(ctx, 9_000)

		assert.Equal(t, HasResults, c.Status())
		assert.Equal(t, uint64(1_000), c.LastUpdated())
	})
}

func TestLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	first := newTestCache(st)
	first.RecordAddress(ctx, "192.168.1.20", 100)
	first.RecordAddress(ctx, "192.168.1.3", 200)
	first.MarkCompleted(ctx, 300)

	second := newTestCache(st)
	second.Load(ctx)

	assert.Equal(t, []address.Address{"192.168.1.3", "192.168.1.20"}, second.Addresses())
	assert.Equal(t, uint64(200), second.LastUpdated())
	assert.Equal(t, HasResults, second.Status())
}

func TestLoadRoundTripKeepsTiedOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	first := newTestCache(st)
	first.RecordAddress(ctx, "10.0.0.7", 100)
	first.RecordAddress(ctx, "10.0.1.7", 200)
	first.RecordAddress(ctx, "10.0.0.2", 300)
	first.RecordAddress(ctx, "10.0.2.7", 400)
	before := first.Addresses()
	require.Equal(t, []address.Address{"10.0.0.2", "10.0.2.7", "10.0.1.7", "10.0.0.7"}, before)

	second := newTestCache(st)
	second.Load(ctx)
	assert.Equal(t, before, second.Addresses())

	third := newTestCache(st)
	third.Load(ctx)
	assert.Equal(t, before, third.Addresses(), "repeated reloads must be stable")
}

func TestLoadEmptyCompletedScan(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	first := newTestCache(st)
	first.ResetForNewScan(ctx)
	first.MarkCompleted(ctx, 42)

	second := newTestCache(st)
	second.Load(ctx)
	assert.Equal(t, Empty, second.Status())
	assert.Equal(t, uint64(42), second.LastUpdated())
}

func TestLoadFallsBackToNeverScanned(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(st store.Store)
	}{
		{"corrupt address list", func(st store.Store) {
			_ = st.Set(ctx, KeyAddresses, "{not json")
			_ = st.Set(ctx, KeyTimestamp, "100")
		}},
		{"corrupt timestamp", func(st store.Store) {
			_ = st.Set(ctx, KeyAddresses, `["10.0.0.1"]`)
			_ = st.Set(ctx, KeyTimestamp, "soon")
		}},
		{"missing timestamp", func(st store.Store) {
			_ = st.Set(ctx, KeyAddresses, `["10.0.0.1"]`)
		}},
		{"corrupt completion flag", func(st store.Store) {
			_ = st.Set(ctx, KeyAddresses, `[]`)
			_ = st.Set(ctx, KeyTimestamp, "100")
			_ = st.Set(ctx, KeyCompleted, "perhaps")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			tt.setup(st)

			c := newTestCache(st)
			c.Load(ctx)

			assert.Equal(t, NeverScanned, c.Status())
			assert.Zero(t, c.LastUpdated())
			assert.Empty(t, c.Addresses())
		})
	}
}

func TestLoadRepairsStoredOrderAndNoise(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, KeyAddresses, `["10.0.0.9","garbage","10.0.0.2","10.0.0.9"]`))
	require.NoError(t, store.SetUint64(ctx, st, KeyTimestamp, 7))

	c := newTestCache(st)
	c.Load(ctx)

	assert.Equal(t, []address.Address{"10.0.0.2", "10.0.0.9"}, c.Addresses())
}

func TestPersistenceFailuresAreSwallowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	counter := &persistenceCounter{}
	c := New(st, logging.NewDiscard(), counter)
	ctx := context.Background()

	writeErr := errors.WrapStoreError(errors.CodePersistence, "set", "", fmt.Errorf("read-only file system"))
	st.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).Return(writeErr).AnyTimes()

	c.ResetForNewScan(ctx)
	assert.True(t, c.RecordAddress(ctx, "10.0.0.3", 10))
	c.MarkCompleted(ctx, 20)

	assert.Equal(t, []address.Address{"10.0.0.3"}, c.Addresses())
	assert.Equal(t, uint64(10), c.LastUpdated())
	assert.Equal(t, 3, counter.count("reset"))
	assert.Equal(t, 2, counter.count("record"))
	assert.Equal(t, 1, counter.count("complete"))
}

func TestLoadReadFailureIsCounted(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	counter := &persistenceCounter{}
	c := New(st, logging.NewDiscard(), counter)

	st.EXPECT().Get(gomock.Any(), KeyAddresses).
		Return("", errors.WrapStoreError(errors.CodeStoreConnection, "get", KeyAddresses, fmt.Errorf("refused")))

	c.Load(context.Background())

	assert.Equal(t, NeverScanned, c.Status())
	assert.Equal(t, 1, counter.count("load"))
}

func TestLoadMissingKeysIsQuiet(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	counter := &persistenceCounter{}
	c := New(st, logging.NewDiscard(), counter)

	st.EXPECT().Get(gomock.Any(), KeyAddresses).Return("", errors.ErrKeyNotFound(KeyAddresses))

	c.Load(context.Background())

	assert.Equal(t, NeverScanned, c.Status())
	assert.Zero(t, counter.count("load"))
}

func TestRecordWritesListBeforeTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	c := newTestCache(st)

	gomock.InOrder(
		st.EXPECT().Set(gomock.Any(), KeyAddresses, `["10.1.2.3"]`).Return(nil),
		st.EXPECT().Set(gomock.Any(), KeyTimestamp, "99").Return(nil),
	)

	c.RecordAddress(context.Background(), "10.1.2.3", 99)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "never_scanned", NeverScanned.String())
	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "has_results", HasResults.String())
	assert.Equal(t, "unknown", Status(42).String())

	text, err := HasResults.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "has_results", string(text))

	var decoded Status
	require.NoError(t, decoded.UnmarshalText([]byte("empty")))
	assert.Equal(t, Empty, decoded)
	assert.Error(t, decoded.UnmarshalText([]byte("stale")))
}

func TestNowMillis(t *testing.T) {
	assert.Equal(t, uint64(1_700_000_000_123), NowMillis(time.UnixMilli(1_700_000_000_123)))
	assert.Zero(t, NowMillis(time.UnixMilli(-5)))
}
