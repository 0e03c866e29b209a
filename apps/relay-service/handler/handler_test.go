package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/apps/relay-service/service"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/config"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/middleware"
	"goim-realtime/pkg/pubsub"
	"goim-realtime/pkg/ratelimit"
	redisClient "goim-realtime/pkg/redis"
	"goim-realtime/pkg/server"
)

type testEnv struct {
	mr    *miniredis.Miniredis
	rc    *redisClient.RedisClient
	svc   *service.Service
	jwt   *auth.JWTConfig
	ready atomic.Bool
	base  string
	wsURL string
}

func newTestEnv(t *testing.T, mutate func(*service.Options)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rc := redisClient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	log := logger.NewNop()

	opts := service.Options{
		InstanceID: "relay-test",
		Presence:   config.PresenceConfig{TTL: 24 * time.Hour, MaxTargets: 100},
		Connection: config.ConnectionConfig{
			SendQueue:    64,
			PingInterval: time.Second,
			PongWait:     3 * time.Second,
			WriteWait:    time.Second,
			MaxFrameSize: 64 << 10,
		},
		Call:         config.CallConfig{TTL: time.Hour, RejectGrace: 30 * time.Second},
		Notification: config.NotificationConfig{MaxEntries: 100, TTL: 7 * 24 * time.Hour},
		Room:         config.RoomConfig{MemberTTL: 24 * time.Hour, MaxPerBatch: 100},
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc := service.NewService(rc, pubsub.NewBus(rc, log), log, opts)
	require.NoError(t, svc.Start(context.Background()))

	env := &testEnv{mr: mr, rc: rc, svc: svc, jwt: &auth.JWTConfig{Secret: "test-secret", ExpireTime: time.Hour}}
	env.ready.Store(true)

	kratosLog := logger.NewKratosLogger(log)
	am := middleware.NewAuthMiddleware(kratosLog, env.jwt)
	limiter := ratelimit.New(rc, map[string]ratelimit.Rule{
		model.EventMessageTyping: {Limit: 10, Window: 10 * time.Second},
	}, log)

	engine := gin.New()
	ws := server.NewWebSocketServerWrapper(engine, kratosLog)
	ws.RegisterHandler("/ws", NewWSHandler(svc, am, limiter, log))
	NewHTTPHandler(svc, rc, am, env.ready.Load, time.Minute, log).RegisterRoutes(engine)

	ts := httptest.NewServer(engine)
	env.base = ts.URL
	env.wsURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	t.Cleanup(func() {
		ts.Close()
		_ = svc.Stop(context.Background())
		_ = rc.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(e.jwt, userID, "web")
	require.NoError(t, err)
	return token
}

func (e *testEnv) waitNumSub(t *testing.T, channel string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := e.rc.GetClient().PubSubNumSub(context.Background(), channel).Result()
		return err == nil && res[channel] == n
	}, 2*time.Second, 10*time.Millisecond, "channel %s", channel)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (e *testEnv) dial(t *testing.T, userID string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL+"?token="+e.token(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cl := &wsClient{t: t, conn: conn}
	var connected model.ConnectedPayload
	require.NoError(t, json.Unmarshal(cl.expect(model.EventConnected).Data, &connected))
	assert.Equal(t, userID, connected.UserID)
	cl.id = connected.SocketID
	return cl
}

func (cl *wsClient) next() (model.Frame, error) {
	_ = cl.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := cl.conn.ReadMessage()
	if err != nil {
		return model.Frame{}, err
	}
	var f model.Frame
	err = json.Unmarshal(raw, &f)
	return f, err
}

func (cl *wsClient) send(event string, data interface{}, ackID string) {
	cl.t.Helper()
	raw, err := model.EncodeFrame(event, data, ackID)
	require.NoError(cl.t, err)
	require.NoError(cl.t, cl.conn.WriteMessage(websocket.TextMessage, raw))
}

func (cl *wsClient) expect(event string) model.Frame {
	cl.t.Helper()
	for {
		f, err := cl.next()
		require.NoError(cl.t, err, "waiting for %s", event)
		if f.Event == event {
			return f
		}
	}
}

type reply struct {
	AckID   string          `json:"ackId"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// request 发送带 ackId 的事件并等待对应的 ack 或 error
func (cl *wsClient) request(event string, data interface{}) (string, reply) {
	cl.t.Helper()
	ackID := uuid.NewString()
	cl.send(event, data, ackID)
	for {
		f, err := cl.next()
		require.NoError(cl.t, err, "waiting for reply to %s", event)
		if f.Event != model.EventAck && f.Event != model.EventError {
			continue
		}
		var r reply
		require.NoError(cl.t, json.Unmarshal(f.Data, &r))
		if r.AckID == ackID {
			return f.Event, r
		}
	}
}

func (cl *wsClient) mustAck(event string, data interface{}) json.RawMessage {
	cl.t.Helper()
	kind, r := cl.request(event, data)
	require.Equal(cl.t, model.EventAck, kind, "%s failed: %s %s", event, r.Code, r.Message)
	return r.Data
}

func (cl *wsClient) expectNothing(event string, wait time.Duration) {
	cl.t.Helper()
	_ = cl.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var f model.Frame
		require.NoError(cl.t, json.Unmarshal(raw, &f))
		assert.NotEqual(cl.t, event, f.Event, "unexpected %s", event)
	}
}

func (cl *wsClient) expectClose(code int) *websocket.CloseError {
	cl.t.Helper()
	for {
		_, err := cl.next()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(cl.t, errors.As(err, &ce), "expected close frame, got %v", err)
		assert.Equal(cl.t, code, ce.Code)
		return ce
	}
}

func TestGateway_RejectsInvalidCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, env.svc.Stats().Connections)
}

func TestGateway_RoomMessageExcludesSender(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")
	b := env.dial(t, "B")

	a.mustAck(model.EventChatJoin, model.ChatRequest{ChatID: "room1"})
	b.mustAck(model.EventChatJoin, model.ChatRequest{ChatID: "room1"})
	env.waitNumSub(t, "room:room1", 1)

	ackData := a.mustAck(model.EventMessageNew, model.MessageNewRequest{
		ChatID: "room1", EncryptedContent: "abc", MessageType: "text", TempID: "t1",
	})
	var ack model.MessageAck
	require.NoError(t, json.Unmarshal(ackData, &ack))
	assert.Equal(t, "t1", ack.TempID)

	var msg model.MessagePayload
	require.NoError(t, json.Unmarshal(b.expect(model.EventMessageNew).Data, &msg))
	assert.Equal(t, "abc", msg.EncryptedContent)
	assert.Equal(t, ack.ID, msg.ID)

	a.expectNothing(model.EventMessageNew, 200*time.Millisecond)
}

func TestGateway_MessageAckWithoutAckID(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")
	a.mustAck(model.EventChatJoin, model.ChatRequest{ChatID: "room1"})

	a.send(model.EventMessageNew, model.MessageNewRequest{
		ChatID: "room1", EncryptedContent: "abc", MessageType: "text", TempID: "t2",
	}, "")
	var r reply
	require.NoError(t, json.Unmarshal(a.expect(model.EventAck).Data, &r))
	assert.Empty(t, r.AckID)
	var ack model.MessageAck
	require.NoError(t, json.Unmarshal(r.Data, &ack))
	assert.Equal(t, "t2", ack.TempID)
	assert.NotEmpty(t, ack.ID)

	// 其他事件仍然只在带 ackId 时回 ack
	a.send(model.EventMessageTyping, model.TypingRequest{ChatID: "room1"}, "")
	a.expectNothing(model.EventAck, 200*time.Millisecond)
}

func TestGateway_PresenceSubscribeThenOnline(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")

	data := a.mustAck(model.EventPresenceSubscribe, model.PresenceSubscribeRequest{UserIDs: []string{"B"}})
	var snap []model.PresencePayload
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap, 1)
	assert.Equal(t, model.StatusOffline, snap[0].Status)
	env.waitNumSub(t, "presence:B", 1)

	env.dial(t, "B")
	for {
		var p model.PresencePayload
		require.NoError(t, json.Unmarshal(a.expect(model.EventPresenceUpdate).Data, &p))
		if p.Status == model.StatusOnline {
			assert.Equal(t, "B", p.UserID)
			break
		}
	}
}

func TestGateway_CallSignalingFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")
	b := env.dial(t, "B")
	env.waitNumSub(t, "user:A", 1)
	env.waitNumSub(t, "user:B", 1)

	a.mustAck(model.EventCallInitiate, model.CallInitiateRequest{
		CallID: "c1", TargetUserID: "B", CallType: model.CallTypeAudio, Offer: json.RawMessage(`{"sdp":"o"}`),
	})
	b.expect(model.EventCallIncoming)

	b.mustAck(model.EventCallAnswer, model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{"sdp":"a"}`)})
	var answered model.CallPayload
	require.NoError(t, json.Unmarshal(a.expect(model.EventCallAnswer).Data, &answered))
	assert.JSONEq(t, `{"sdp":"a"}`, string(answered.Answer))

	a.mustAck(model.EventCallEnd, model.CallEndRequest{CallID: "c1"})
	a.expect(model.EventCallEnd)
	b.expect(model.EventCallEnd)

	// 通话结束后的迟到候选被静默丢弃
	data := b.mustAck(model.EventCallICECandidate, model.ICECandidateRequest{CallID: "c1", Candidate: json.RawMessage(`{}`)})
	assert.JSONEq(t, `{"delivered":false}`, string(data))
	a.expectNothing(model.EventCallICECandidate, 200*time.Millisecond)
}

func TestGateway_TypingRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")

	var accepted, rejected int
	for i := 0; i < 35; i++ {
		kind, r := a.request(model.EventMessageTyping, model.TypingRequest{ChatID: "room1"})
		if kind == model.EventAck {
			accepted++
			continue
		}
		assert.Equal(t, model.CodeRateLimited, r.Code)
		rejected++
	}
	assert.Equal(t, 10, accepted)
	assert.Equal(t, 25, rejected)

	// 限流不影响其他事件
	a.mustAck(model.EventChatJoin, model.ChatRequest{ChatID: "room1"})
}

func TestGateway_BadFramesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")

	kind, r := a.request(model.EventCallInitiate, map[string]interface{}{
		"callId": "c1", "targetUserId": "B", "callType": "fax", "offer": map[string]string{},
	})
	assert.Equal(t, model.EventError, kind)
	assert.Equal(t, model.CodeValidation, r.Code)
	assert.False(t, env.mr.Exists("call:c1"))

	kind, r = a.request("teleport", nil)
	assert.Equal(t, model.EventError, kind)
	assert.Equal(t, model.CodeValidation, r.Code)

	kind, r = a.request(model.EventNotificationRead, model.NotificationRequest{NotificationID: "missing"})
	assert.Equal(t, model.EventError, kind)
	assert.Equal(t, model.CodeNotFound, r.Code)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errFrame := a.expect(model.EventError)
	var ep model.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Data, &ep))
	assert.Equal(t, model.CodeValidation, ep.Code)

	a.mustAck(model.EventChatJoin, model.ChatRequest{ChatID: "room1"})
}

func TestGateway_NotificationsOverSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")
	env.waitNumSub(t, "user:A", 1)

	n, err := env.svc.Notify(context.Background(), "A", model.NotificationMention, json.RawMessage(`{"chatId":"room1"}`))
	require.NoError(t, err)
	a.expect(model.EventNotificationNew)

	a.mustAck(model.EventNotificationRead, model.NotificationRequest{NotificationID: n.ID})
	var list []model.Notification
	require.NoError(t, json.Unmarshal(a.mustAck(model.EventNotificationGetPending, nil), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)

	a.mustAck(model.EventNotificationClearAll, nil)
	require.NoError(t, json.Unmarshal(a.mustAck(model.EventNotificationGetPending, nil), &list))
	assert.Empty(t, list)
}

func TestGateway_IdleTimeoutClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(o *service.Options) {
		o.Connection.IdleTimeout = 150 * time.Millisecond
	})
	a := env.dial(t, "A")

	ce := a.expectClose(websocket.CloseNormalClosure)
	assert.Equal(t, "idle timeout", ce.Text)
	require.Eventually(t, func() bool {
		return env.mr.HGet("presence:A", "status") == model.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DrainSendsServiceRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t, "A")
	b := env.dial(t, "B")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Drain(ctx))

	a.expectClose(websocket.CloseServiceRestart)
	b.expectClose(websocket.CloseServiceRestart)
	assert.Equal(t, 0, env.svc.Stats().Connections)
}

func TestGateway_OversizedFrameCloses(t *testing.T) {
	env := newTestEnv(t, func(o *service.Options) {
		o.Connection.MaxFrameSize = 512
	})
	a := env.dial(t, "A")

	a.send(model.EventMessageNew, model.MessageNewRequest{
		ChatID: "room1", EncryptedContent: strings.Repeat("x", 2048), MessageType: "text",
	}, "big")
	a.expectClose(websocket.CloseMessageTooBig)
	require.Eventually(t, func() bool { return env.svc.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHTTP_ProbesAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dial(t, "A")

	resp, err := http.Get(env.base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.ready.Store(false)
	resp, err = http.Get(env.base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(env.base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.base + "/api/v1/relay/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.base+"/api/v1/relay/stats", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "ops"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Local service.Stats `json:"local"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Local.Connections)
	assert.Equal(t, "relay-test", body.Local.InstanceID)
}

func TestHTTP_PresenceQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dial(t, "A")

	req, _ := http.NewRequest(http.MethodPost, env.base+"/api/v1/relay/presence/query",
		strings.NewReader(`{"userIds":["A","Z"]}`))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "ops"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Presence []model.PresencePayload `json:"presence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Presence, 2)
	assert.Equal(t, model.StatusOnline, body.Presence[0].Status)
	assert.Equal(t, model.StatusOffline, body.Presence[1].Status)

	req, _ = http.NewRequest(http.MethodPost, env.base+"/api/v1/relay/presence/query", strings.NewReader(`{"userIds":[]}`))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "ops"))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
