package sessionlocator

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-realtime/pkg/logger"
	redisClient "goim-realtime/pkg/redis"
)

func newTestRedis(t *testing.T) (*redisClient.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisClient.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func newHeartbeat(rc *redisClient.RedisClient, id string) *HeartbeatManager {
	return NewHeartbeatManager(rc, logger.NewNop(), HeartbeatOptions{
		InstanceID: id,
		Host:       "localhost",
		Addr:       ":21006",
		Interval:   time.Hour,
		Window:     90 * time.Second,
		ConnTTL:    24 * time.Hour,
	})
}

func TestHeartbeat_RegisterTrackUnregister(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	hm := newHeartbeat(rc, "relay-1")
	require.NoError(t, hm.Start(ctx))

	require.NoError(t, hm.AddConnection(ctx, "alice", "c1"))
	require.NoError(t, hm.AddConnection(ctx, "bob", "c2"))
	require.NoError(t, hm.RemoveConnection(ctx, "bob", "c2"))

	instances, err := ListInstances(ctx, rc, 90*time.Second)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "relay-1", instances[0].ID)
	assert.Equal(t, ":21006", instances[0].Addr)
	assert.Equal(t, int64(1), instances[0].Connections)

	assert.Equal(t, 24*time.Hour, mr.TTL("relay:instance:relay-1:conns"))
	assert.Equal(t, 120*time.Second, mr.TTL("relay:instance:relay-1"))

	require.NoError(t, hm.Beat(ctx))
	require.NoError(t, hm.Stop(ctx))

	instances, err = ListInstances(ctx, rc, 90*time.Second)
	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.False(t, mr.Exists("relay:instance:relay-1:conns"))
}

func TestCleaner_ReapStaleInstance(t *testing.T) {
	rc, _ := newTestRedis(t)
	ctx := context.Background()

	dead := newHeartbeat(rc, "relay-dead")
	require.NoError(t, dead.register(ctx))
	require.NoError(t, dead.AddConnection(ctx, "alice", "c1"))
	require.NoError(t, dead.AddConnection(ctx, "bob", "c2"))

	self := newHeartbeat(rc, "relay-self")
	require.NoError(t, self.register(ctx))
	require.NoError(t, self.AddConnection(ctx, "carol", "c3"))

	var orphans []string
	c := NewCleaner(rc, logger.NewNop(), "relay-self", 90*time.Second, time.Hour,
		func(_ context.Context, userID, connID string) error {
			orphans = append(orphans, userID+"/"+connID)
			return nil
		})

	// 窗口内不回收
	n, err := c.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 两分钟后，两个实例的心跳都已超时；自身不会被回收
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = c.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sort.Strings(orphans)
	assert.Equal(t, []string{"alice/c1", "bob/c2"}, orphans)

	members, err := rc.SMembers(ctx, connsKey("relay-dead"))
	require.NoError(t, err)
	assert.Empty(t, members)
	members, err = rc.SMembers(ctx, connsKey("relay-self"))
	require.NoError(t, err)
	assert.Equal(t, []string{"carol|c3"}, members)
}

func TestCleaner_ReapKeepsInstanceOnHandlerError(t *testing.T) {
	rc, _ := newTestRedis(t)
	ctx := context.Background()

	dead := newHeartbeat(rc, "relay-dead")
	require.NoError(t, dead.register(ctx))
	require.NoError(t, dead.AddConnection(ctx, "alice", "c1"))

	c := NewCleaner(rc, logger.NewNop(), "relay-self", 90*time.Second, time.Hour,
		func(context.Context, string, string) error { return errors.New("store down") })
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := c.Reap(ctx)
	require.Error(t, err)

	members, err := rc.SMembers(ctx, connsKey("relay-dead"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice|c1"}, members)
}

func TestCleaner_LeaderElection(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	a := NewCleaner(rc, logger.NewNop(), "relay-a", time.Minute, time.Hour, nil)
	b := NewCleaner(rc, logger.NewNop(), "relay-b", time.Minute, time.Hour, nil)

	assert.True(t, a.tryBecomeLeader(ctx))
	assert.False(t, b.tryBecomeLeader(ctx))

	// 续期
	mr.FastForward(30 * time.Second)
	assert.True(t, a.tryBecomeLeader(ctx))
	assert.Equal(t, LeaderLockTTL, mr.TTL(LeaderLockKey))
	assert.True(t, a.IsLeader())

	require.NoError(t, a.Stop(ctx))
	assert.False(t, mr.Exists(LeaderLockKey))

	assert.True(t, b.tryBecomeLeader(ctx))
	require.NoError(t, b.Stop(ctx))
}

func TestParseConnMember(t *testing.T) {
	tests := []struct {
		in     string
		user   string
		conn   string
		wantOK bool
	}{
		{"alice|c1", "alice", "c1", true},
		{"a|b|c1", "a|b", "c1", true},
		{"|c1", "", "", false},
		{"alice|", "", "", false},
		{"nopipe", "", "", false},
	}
	for _, tt := range tests {
		user, conn, ok := parseConnMember(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.user, user, tt.in)
		assert.Equal(t, tt.conn, conn, tt.in)
	}
}
