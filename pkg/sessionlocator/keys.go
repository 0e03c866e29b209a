package sessionlocator

import (
	"fmt"
	"strings"
)

// 实例注册表使用的Redis键
const (
	// InstancesKey ZSET: 实例ID -> 最近心跳时间戳(秒)
	InstancesKey = "relay:instances"

	// InstanceHashKeyFmt 实例详细信息
	InstanceHashKeyFmt = "relay:instance:%s"

	// InstanceConnsKeyFmt 实例持有的连接，成员格式 "userID|connID"
	InstanceConnsKeyFmt = "relay:instance:%s:conns"

	// LeaderLockKey 回收任务的领导者锁
	LeaderLockKey = "relay:reaper:leader"
)

func instanceKey(instanceID string) string {
	return fmt.Sprintf(InstanceHashKeyFmt, instanceID)
}

func connsKey(instanceID string) string {
	return fmt.Sprintf(InstanceConnsKeyFmt, instanceID)
}

func connMember(userID, connID string) string {
	return userID + "|" + connID
}

func parseConnMember(member string) (userID, connID string, ok bool) {
	i := strings.LastIndexByte(member, '|')
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}
