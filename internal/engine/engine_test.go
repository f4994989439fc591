//go:build unix

package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/freeip/internal/address"
	"github.com/anstrom/freeip/internal/cache"
	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/session"
	"github.com/anstrom/freeip/internal/settings"
	"github.com/anstrom/freeip/internal/store"
	"github.com/anstrom/freeip/internal/store/mocks"
)

func writeProbe(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}
	e, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}

func TestFreshEngine(t *testing.T) {
	e := newEngine(t, Options{ProbePath: writeProbe(t, "exit 0"), Store: store.NewMemory()})

	snap := e.Snapshot()
	assert.Equal(t, cache.NeverScanned, snap.Status)
	assert.False(t, snap.Loading)
	assert.True(t, snap.Expired)
	assert.Equal(t, session.Idle, e.State())
}

func TestScanAndReload(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "state.yaml")
	probePath := writeProbe(t, `printf '10.0.0.50\n10.0.0.5\n10.0.0.50\n10.0.1.7\n'`)

	st, err := store.OpenFile(storePath)
	require.NoError(t, err)
	first := newEngine(t, Options{ProbePath: probePath, Store: st})

	require.True(t, first.RequestScan())
	first.Wait()

	want := []address.Address{"10.0.0.5", "10.0.1.7", "10.0.0.50"}
	snap := first.Snapshot()
	assert.Equal(t, want, snap.Results)
	require.NoError(t, first.Shutdown(context.Background()))

	reopened, err := store.OpenFile(storePath)
	require.NoError(t, err)
	second := newEngine(t, Options{ProbePath: probePath, Store: reopened})

	reloaded := second.Snapshot()
	assert.Equal(t, want, reloaded.Results)
	assert.Equal(t, snap.LastUpdated, reloaded.LastUpdated)
	assert.Equal(t, cache.HasResults, reloaded.Status)
}

func TestObserversSeeEveryStep(t *testing.T) {
	e := newEngine(t, Options{ProbePath: writeProbe(t, `echo 10.0.0.2; echo 10.0.0.1`), Store: store.NewMemory()})

	var mu sync.Mutex
	var loading []bool
	e.Subscribe(session.ObserverFunc(func(u session.Update) {
		mu.Lock()
		defer mu.Unlock()
		loading = append(loading, u.Loading)
	}))

	require.True(t, e.RequestScan())
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, true, true, false}, loading)
}

func TestSettingsReachProbe(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := newEngine(t, Options{
		ProbePath:    writeProbe(t, `echo "$FREEIP_PREFIX.$FREEIP_CANDIDATE_END"`),
		Store:        st,
		PassSettings: true,
	})

	require.NoError(t, e.Settings().Set(ctx, settings.KeyPrefix, "10.9.8"))
	require.True(t, e.RequestScan())
	e.Wait()

	assert.Equal(t, []address.Address{"10.9.8.254"}, e.Snapshot().Results)
}

func TestSettingsNotPassedByDefault(t *testing.T) {
	t.Setenv("FREEIP_PREFIX", "")
	e := newEngine(t, Options{
		ProbePath: writeProbe(t, `echo "${FREEIP_PREFIX:-10.0.0}.1"`),
		Store:     store.NewMemory(),
	})

	require.True(t, e.RequestScan())
	e.Wait()
	assert.Equal(t, []address.Address{"10.0.0.1"}, e.Snapshot().Results)
}

func TestShutdownCancelsRunningScan(t *testing.T) {
	e := newEngine(t, Options{ProbePath: writeProbe(t, `echo 10.0.0.3; sleep 30`), Store: store.NewMemory()})

	require.True(t, e.RequestScan())
	require.Eventually(t, func() bool { return len(e.Snapshot().Results) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	assert.Equal(t, session.Idle, e.State())
	assert.False(t, e.RequestScan(), "a stopped engine refuses scans")
	assert.NoError(t, e.Shutdown(ctx), "Shutdown is idempotent")
}

func TestCancelScan(t *testing.T) {
	e := newEngine(t, Options{ProbePath: writeProbe(t, `echo 10.0.0.3; sleep 30`), Store: store.NewMemory()})

	require.True(t, e.RequestScan())
	assert.False(t, e.RequestScan())
	require.Eventually(t, func() bool { return len(e.Snapshot().Results) == 1 }, 5*time.Second, 10*time.Millisecond)

	e.CancelScan()
	e.CancelScan()

	assert.Equal(t, session.Idle, e.State())
	assert.Equal(t, []address.Address{"10.0.0.3"}, e.Snapshot().Results)
}

func TestShutdownClosesStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().Get(gomock.Any(), gomock.Any()).Return("", errors.ErrKeyNotFound(cache.KeyAddresses)).AnyTimes()
	st.EXPECT().Close().Return(nil).Times(1)

	e, err := New(context.Background(), Options{Store: st, Logger: logging.NewDiscard()})
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}
