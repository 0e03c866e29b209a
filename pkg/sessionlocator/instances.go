package sessionlocator

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	redisClient "goim-realtime/pkg/redis"
)

// Instance 存活的中继实例
type Instance struct {
	ID            string `json:"id"`
	Host          string `json:"host"`
	Addr          string `json:"addr"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	Connections   int64  `json:"connections"`
}

// ListInstances 列出心跳窗口内的实例
func ListInstances(ctx context.Context, rc *redisClient.RedisClient, window time.Duration) ([]Instance, error) {
	since := time.Now().Add(-window).Unix()
	ids, err := rc.ZRangeByScore(ctx, InstancesKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	})
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(ids))
	for _, id := range ids {
		info, err := rc.HGetAll(ctx, instanceKey(id))
		if err != nil {
			return nil, err
		}
		conns, err := rc.SCard(ctx, connsKey(id))
		if err != nil {
			return nil, err
		}
		hb, _ := strconv.ParseInt(info["last_heartbeat"], 10, 64)
		instances = append(instances, Instance{
			ID:            id,
			Host:          info["host"],
			Addr:          info["addr"],
			LastHeartbeat: hb,
			Connections:   conns,
		})
	}
	return instances, nil
}
