package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPepper = []byte("0123456789ABCDEF0123456789ABCDEF")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(Params{Iterations: 1, Memory: 64, Parallelism: 1, Concurrency: 2}, testPepper)
	require.NoError(t, err)
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	encoded, err := h.Hash(ctx, "s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=64,t=1,p=1$"))

	ok, err := h.Verify(ctx, "s3cret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(ctx, "wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)
	a, err := h.Hash(context.Background(), "same")
	require.NoError(t, err)
	b, err := h.Hash(context.Background(), "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyDependsOnPepper(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.Hash(context.Background(), "pw")
	require.NoError(t, err)

	other, err := NewHasher(Params{Iterations: 1, Memory: 64, Parallelism: 1}, []byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	ok, err := other.Verify(context.Background(), "pw", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformedHash(t *testing.T) {
	h := newTestHasher(t)
	for _, enc := range []string{"", "plain", "$argon2i$v=19$m=64,t=1,p=1$c2FsdA$a2V5", "$argon2id$v=19$m=0,t=1,p=1$c2FsdA$a2V5"} {
		ok, err := h.Verify(context.Background(), "pw", enc)
		assert.NoError(t, err)
		assert.False(t, ok, enc)
	}
}

func TestPasswordTooLong(t *testing.T) {
	h := newTestHasher(t)
	_, err := h.Hash(context.Background(), strings.Repeat("x", maxPasswordLength+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestNewHasherValidation(t *testing.T) {
	_, err := NewHasher(Params{Iterations: 1, Memory: 64, Parallelism: 1}, []byte("short"))
	assert.Error(t, err)
	_, err = NewHasher(Params{Iterations: 0, Memory: 64, Parallelism: 1}, testPepper)
	assert.Error(t, err)
	_, err = NewHasher(Params{Iterations: 1, Memory: 64, Parallelism: 0}, testPepper)
	assert.Error(t, err)
}

func TestClosedHasher(t *testing.T) {
	h := newTestHasher(t)
	h.Close()
	_, err := h.Hash(context.Background(), "pw")
	assert.ErrorIs(t, err, ErrHasherClosed)
}

func TestHashHonoursContext(t *testing.T) {
	h, err := NewHasher(Params{Iterations: 1, Memory: 64, Parallelism: 1, Concurrency: 1}, testPepper)
	require.NoError(t, err)
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	defer h.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Hash(ctx, "pw")
	assert.Error(t, err)
}
