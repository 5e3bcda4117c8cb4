package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(dim int) *racetypes.RouterState {
	return &racetypes.RouterState{
		Version: CurrentVersion,
		Dim:     dim,
		Arms: map[racetypes.ModelID]*racetypes.ArmState{
			"gpt-a": {
				AInv:   []float64{1, 0, 0, 1},
				B:      []float64{0.1, 0.2},
				Trials: 3,
				Wins:   1,
				Active: true,
			},
		},
		UpdatedAt: time.Unix(1700000000, 0),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "router_state.json")
	s := New(path, nil, "")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleState(2)))

	loaded, ok := s.Load(ctx, 2)
	require.True(t, ok)
	assert.Equal(t, 2, loaded.Dim)
	assert.Equal(t, []float64{1, 0, 0, 1}, loaded.Arms["gpt-a"].AInv)
	assert.Equal(t, 3, loaded.Arms["gpt-a"].Trials)
}

func TestLoadMissingIsColdStart(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"), nil, "")
	_, ok := s.Load(context.Background(), 2)
	assert.False(t, ok)
}

func TestLoadDimensionMismatchResets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_state.json")
	s := New(path, nil, "")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleState(2)))

	_, ok := s.Load(ctx, 5)
	assert.False(t, ok)
}

func TestLoadVersionMismatchResets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_state.json")
	s := New(path, nil, "")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleState(2)))

	// Simulate an incompatible future schema by overwriting the version field
	// directly, bypassing Save.
	b := toBlob(sampleState(2))
	b.Version = CurrentVersion + 1
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, ok := s.Load(ctx, 2)
	assert.False(t, ok)
}

type fakeRemote struct {
	data map[string][]byte
	err  error
}

func newFakeRemote() *fakeRemote { return &fakeRemote{data: make(map[string][]byte)} }

func (f *fakeRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeRemote) Set(_ context.Context, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	return nil
}

func TestRemotePreferredOverLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_state.json")
	remote := newFakeRemote()
	s := New(path, remote, "router_state:d2")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleState(2)))
	assert.Contains(t, remote.data, "router_state:d2")

	loaded, ok := s.Load(ctx, 2)
	require.True(t, ok)
	assert.Equal(t, 2, loaded.Dim)
}

func TestRemoteFailureFallsBackToLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_state.json")
	good := New(path, nil, "")
	require.NoError(t, good.Save(context.Background(), sampleState(2)))

	remote := newFakeRemote()
	remote.err = errors.New("unreachable")
	s := New(path, remote, "router_state:d2")

	loaded, ok := s.Load(context.Background(), 2)
	require.True(t, ok)
	assert.Equal(t, 2, loaded.Dim)
}
