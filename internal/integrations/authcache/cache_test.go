package authcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"family-assistant/internal/domain"
)

type fakeRedis struct {
	vals   map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.vals[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

var sam = domain.Principal{UserID: "01HZX", Name: "Sam", Role: domain.RoleMember, DeviceID: "dev-1"}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, time.Minute)
	require.Error(t, err)

	c, err := New(newFakeRedis(), 0)
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, c.ttl)
}

func TestCache_RoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, 30*time.Second)
	require.NoError(t, err)

	_, ok, err := c.Get(context.Background(), "secret-token")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(context.Background(), "secret-token", sam))
	got, ok, err := c.Get(context.Background(), "secret-token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sam, got)

	require.Len(t, rdb.vals, 1)
	for k, v := range rdb.vals {
		require.True(t, strings.HasPrefix(k, keyPrefix))
		require.NotContains(t, k, "secret-token")
		require.NotContains(t, v, "secret-token")
		require.Equal(t, 30*time.Second, rdb.ttls[k])
	}
}

func TestCache_Errors(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, time.Minute)
	require.NoError(t, err)

	rdb.getErr = errors.New("connection refused")
	_, _, err = c.Get(context.Background(), "tok")
	require.ErrorContains(t, err, "connection refused")

	rdb.setErr = errors.New("READONLY")
	require.ErrorContains(t, c.Set(context.Background(), "tok", sam), "READONLY")
}

func TestCache_CorruptEntry(t *testing.T) {
	rdb := newFakeRedis()
	c, err := New(rdb, time.Minute)
	require.NoError(t, err)

	rdb.vals[key("tok")] = "{not json"
	_, ok, err := c.Get(context.Background(), "tok")
	require.Error(t, err)
	require.False(t, ok)

	rdb.vals[key("tok")] = "{}"
	_, ok, err = c.Get(context.Background(), "tok")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKey_Stable(t *testing.T) {
	require.Equal(t, key("a"), key("a"))
	require.NotEqual(t, key("a"), key("b"))
	require.Len(t, key("a"), len(keyPrefix)+64)
}
