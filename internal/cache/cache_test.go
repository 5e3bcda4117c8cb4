package cache

import (
	"context"
	"testing"
	"time"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministic(t *testing.T) {
	k1 := Key(racetypes.ModelID("gpt-a"), "hello", 120)
	k2 := Key(racetypes.ModelID("gpt-a"), "hello", 120)
	assert.Equal(t, k1, k2)
}

func TestKeyDiffersByInputs(t *testing.T) {
	base := Key(racetypes.ModelID("gpt-a"), "hello", 120)
	assert.NotEqual(t, base, Key(racetypes.ModelID("gpt-b"), "hello", 120))
	assert.NotEqual(t, base, Key(racetypes.ModelID("gpt-a"), "world", 120))
	assert.NotEqual(t, base, Key(racetypes.ModelID("gpt-a"), "hello", 121))
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(nil, time.Minute)
	key := Key("gpt-a", "hi", 10)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Put(ctx, key, Entry{Text: "hello", TokensConsumed: 5})
	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, 5, entry.TokensConsumed)
}

func TestMemoryBackendExpires(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	key := "k"
	require.NoError(t, b.Put(ctx, key, Entry{Text: "x"}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, ok, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, assertErr
}
func (failingBackend) Put(context.Context, string, Entry, time.Duration) error {
	return assertErr
}

var assertErr = assertErrType{}

type assertErrType struct{}

func (assertErrType) Error() string { return "boom" }

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	c := New(failingBackend{}, time.Minute)
	key := Key("gpt-a", "hi", 10)

	c.Put(ctx, key, Entry{Text: "local-value"})
	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "local-value", entry.Text)
}
