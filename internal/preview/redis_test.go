package preview

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMirror(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisMirror) {
	t.Helper()
	mr := miniredis.RunT(t)

	m, err := NewRedisMirror(context.Background(), mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return mr, m
}

func TestPutAndGet(t *testing.T) {
	_, m := setupMirror(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "req1/0", []byte{0xff, 0xd8, 0x01}))

	got, err := m.Get(ctx, "req1/0")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0x01}, got)
}

func TestPutReplaces(t *testing.T) {
	_, m := setupMirror(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "req1/0", []byte("old")))
	require.NoError(t, m.Put(ctx, "req1/0", []byte("new")))

	got, err := m.Get(ctx, "req1/0")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestGetMiss(t *testing.T) {
	_, m := setupMirror(t, time.Minute)

	_, err := m.Get(context.Background(), "nothing/0")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestExpiry(t *testing.T) {
	mr, m := setupMirror(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "req1/1", []byte("x")))
	assert.Equal(t, 30*time.Second, mr.TTL(keyPrefix+"req1/1"))

	mr.FastForward(31 * time.Second)
	_, err := m.Get(ctx, "req1/1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestDefaultTTL(t *testing.T) {
	mr, m := setupMirror(t, 0)
	require.NoError(t, m.Put(context.Background(), "k", []byte("v")))
	assert.Equal(t, DefaultTTL, mr.TTL(keyPrefix+"k"))
}

func TestNewRedisMirrorUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisMirror(ctx, addr, time.Minute)
	assert.Error(t, err)
}
