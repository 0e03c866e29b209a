package snowflake

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Snowflake ID生成器，为中继消息分配服务端ID
// 64位ID结构：1位符号位(0) + 41位时间戳 + 10位机器ID + 12位序列号
type Snowflake struct {
	mutex     sync.Mutex
	epoch     int64 // 起始时间戳 (毫秒)
	machineID int64 // 机器ID (0-1023)
	sequence  int64 // 序列号 (0-4095)
	lastTime  int64 // 上次生成ID的时间戳

	now func() int64
}

const (
	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1  // 1023
	maxSequence  = (1 << sequenceBits) - 1 // 4095

	machineShift   = sequenceBits               // 12
	timestampShift = sequenceBits + machineBits // 22

	// 自定义起始时间 (2024-01-01 00:00:00 UTC)
	defaultEpoch = 1704067200000
)

// NewSnowflake 创建Snowflake实例
func NewSnowflake(machineID int64) (*Snowflake, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("机器ID必须在0-%d之间", maxMachineID)
	}

	return &Snowflake{
		epoch:     defaultEpoch,
		machineID: machineID,
		now:       func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// MachineIDFromInstance 由实例ID散列出机器ID
func MachineIDFromInstance(instanceID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return int64(h.Sum32() % (maxMachineID + 1))
}

// ForInstance 按实例ID创建生成器
func ForInstance(instanceID string) *Snowflake {
	s, _ := NewSnowflake(MachineIDFromInstance(instanceID))
	return s
}

// Generate 生成下一个ID
// 时钟回拨时沿用上次的时间戳继续递增序列号，不阻塞也不panic
func (s *Snowflake) Generate() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if now < s.lastTime {
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号溢出，借用下一毫秒
			now = s.lastTime + 1
		}
	} else {
		s.sequence = 0
	}

	s.lastTime = now

	return ((now - s.epoch) << timestampShift) |
		(s.machineID << machineShift) |
		s.sequence
}

// NextString 十进制字符串形式的ID
func (s *Snowflake) NextString() string {
	return strconv.FormatInt(s.Generate(), 10)
}

// ParseID 解析Snowflake ID
func (s *Snowflake) ParseID(id int64) (timestamp int64, machineID int64, sequence int64) {
	timestamp = (id >> timestampShift) + s.epoch
	machineID = (id >> machineShift) & maxMachineID
	sequence = id & maxSequence
	return
}
