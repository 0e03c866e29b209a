package service

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-realtime/pkg/config"
)

func TestIdle_ClosesSilentConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testOptions("relay-1")
	opts.Connection.IdleTimeout = 50 * time.Millisecond
	svc := newTestService(t, mr, opts)

	c := connect(t, svc, "A", "a1")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
	sig := c.CloseSignal()
	assert.Equal(t, ReasonIdle, sig.Reason)
	assert.Equal(t, "idle timeout", sig.Text)
}

func TestIdle_TouchKeepsConnectionOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testOptions("relay-1")
	opts.Connection.IdleTimeout = 150 * time.Millisecond
	svc := newTestService(t, mr, opts)

	c := connect(t, svc, "A", "a1")
	before := c.LastActivity()
	for i := 0; i < 8; i++ {
		time.Sleep(40 * time.Millisecond)
		svc.Touch(c)
	}
	select {
	case <-c.Done():
		t.Fatal("active connection closed")
	default:
	}
	assert.True(t, c.LastActivity().After(before))

	// 停止活动后按时关闭
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func TestIdle_DisabledWhenZero(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := newTestService(t, mr, testOptions("relay-1"))

	c := connect(t, svc, "A", "a1")
	svc.Touch(c)
	select {
	case <-c.Done():
		t.Fatal("connection closed without idle timeout")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeat_Defaults(t *testing.T) {
	svc := &Service{opts: Options{}}
	hb := svc.Heartbeat()
	assert.Equal(t, 30*time.Second, hb.PingInterval)
	assert.Equal(t, 75*time.Second, hb.PongWait)
	assert.Equal(t, 10*time.Second, hb.WriteWait)

	svc.opts.Connection = config.ConnectionConfig{PingInterval: 10 * time.Second, PongWait: 5 * time.Second, MaxFrameSize: 1024}
	hb = svc.Heartbeat()
	require.Greater(t, hb.PongWait, hb.PingInterval)
	assert.Equal(t, int64(1024), hb.MaxFrameSize)
}
