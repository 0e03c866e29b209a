package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-realtime/apps/relay-service/model"
)

// callPair 两个进程上各一个用户，用户频道都已在Redis侧生效
func callPair(t *testing.T, opts Options) (*Service, *Service, *Connection, *Connection, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	optsB := opts
	optsB.InstanceID = opts.InstanceID + "-b"
	svc1 := newTestService(t, mr, opts)
	svc2 := newTestService(t, mr, optsB)
	a := connect(t, svc1, "A", "a1")
	b := connect(t, svc2, "B", "b1")
	waitNumSub(t, svc1, userChannel("A"), 1)
	waitNumSub(t, svc2, userChannel("B"), 1)
	return svc1, svc2, a, b, mr
}

func initiate(t *testing.T, svc *Service, c *Connection, callID, target string) {
	t.Helper()
	res, err := svc.InitiateCall(context.Background(), c, &model.CallInitiateRequest{
		CallID: callID, TargetUserID: target, CallType: model.CallTypeVideo, Offer: json.RawMessage(`{"sdp":"offer"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestCall_InitiateAnswerEndThenICEDropped(t *testing.T) {
	ctx := context.Background()
	svc1, svc2, a, b, mr := callPair(t, testOptions("relay-1"))

	initiate(t, svc1, a, "c1", "B")

	var incoming model.CallPayload
	decode(t, expectEvent(t, b, model.EventCallIncoming), &incoming)
	assert.Equal(t, "A", incoming.CallerID)
	assert.Equal(t, model.CallTypeVideo, incoming.CallType)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(incoming.Offer))
	assert.Equal(t, time.Hour, mr.TTL(callKey("c1")))

	res, err := svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{"sdp":"answer"}`)})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.CallStatusAnswered, res.Status)

	var answered model.CallPayload
	decode(t, expectEvent(t, a, model.EventCallAnswer), &answered)
	assert.JSONEq(t, `{"sdp":"answer"}`, string(answered.Answer))
	expectNoEvent(t, b, model.EventCallAnswer, 100*time.Millisecond)

	res, err = svc1.EndCall(ctx, a, &model.CallEndRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	var ended model.CallPayload
	decode(t, expectEvent(t, a, model.EventCallEnd), &ended)
	assert.Equal(t, "A", ended.EndedBy)
	decode(t, expectEvent(t, b, model.EventCallEnd), &ended)
	assert.Equal(t, model.CallStatusEnded, ended.Status)
	assert.False(t, mr.Exists(callKey("c1")))

	delivered, err := svc2.RelayICECandidate(ctx, b, &model.ICECandidateRequest{CallID: "c1", Candidate: json.RawMessage(`{"c":1}`)})
	require.NoError(t, err)
	assert.False(t, delivered)
	expectNoEvent(t, a, model.EventCallICECandidate, 100*time.Millisecond)
}

// failPublishHook 开启时让 PUBLISH 失败，其余命令照常执行
type failPublishHook struct {
	on atomic.Bool
}

func (h *failPublishHook) BeforeProcess(ctx context.Context, cmd goredis.Cmder) (context.Context, error) {
	if h.on.Load() && strings.EqualFold(cmd.Name(), "publish") {
		return ctx, errors.New("connection reset")
	}
	return ctx, nil
}

func (h *failPublishHook) AfterProcess(context.Context, goredis.Cmder) error { return nil }

func (h *failPublishHook) BeforeProcessPipeline(ctx context.Context, _ []goredis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *failPublishHook) AfterProcessPipeline(context.Context, []goredis.Cmder) error { return nil }

func TestCall_InitiatePublishFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	svc1, _, a, b, mr := callPair(t, testOptions("relay-1"))
	hook := &failPublishHook{}
	svc1.redis.GetClient().AddHook(hook)

	hook.on.Store(true)
	req := &model.CallInitiateRequest{CallID: "c9", TargetUserID: "B", CallType: model.CallTypeAudio}
	_, err := svc1.InitiateCall(ctx, a, req)
	require.Error(t, err)
	assert.Equal(t, model.CodeStoreUnavailable, model.AsRelayError(err).Code)
	assert.False(t, mr.Exists(callKey("c9")))
	svc1.ringMu.Lock()
	_, armed := svc1.rings["c9"]
	svc1.ringMu.Unlock()
	assert.False(t, armed)

	// 同一callId重试成功
	hook.on.Store(false)
	initiate(t, svc1, a, "c9", "B")
	expectEvent(t, b, model.EventCallIncoming)
	assert.True(t, mr.Exists(callKey("c9")))
}

func TestCall_InitiateValidation(t *testing.T) {
	ctx := context.Background()
	svc1, _, a, _, _ := callPair(t, testOptions("relay-1"))

	_, err := svc1.InitiateCall(ctx, a, &model.CallInitiateRequest{
		CallID: "self", TargetUserID: "A", CallType: model.CallTypeAudio, Offer: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	initiate(t, svc1, a, "c1", "B")
	_, err = svc1.InitiateCall(ctx, a, &model.CallInitiateRequest{
		CallID: "c1", TargetUserID: "B", CallType: model.CallTypeAudio, Offer: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCall_AnswerRules(t *testing.T) {
	ctx := context.Background()
	svc1, svc2, a, b, _ := callPair(t, testOptions("relay-1"))

	_, err := svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "missing", Answer: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, model.ErrNotFound)

	initiate(t, svc1, a, "c1", "B")

	// 主叫不能应答自己发起的通话
	res, err := svc1.AnswerCall(ctx, a, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	call, err := svc1.GetCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusInitiated, call.Status)

	res, err = svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// 重复应答为空操作
	res, err = svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestCall_RejectThenLateEventsIgnored(t *testing.T) {
	ctx := context.Background()
	svc1, svc2, a, b, mr := callPair(t, testOptions("relay-1"))

	initiate(t, svc1, a, "c1", "B")
	expectEvent(t, b, model.EventCallIncoming)

	res, err := svc2.RejectCall(ctx, b, &model.CallRejectRequest{CallID: "c1", Reason: "busy"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.CallStatusRejected, res.Status)

	var rejected model.CallPayload
	decode(t, expectEvent(t, a, model.EventCallReject), &rejected)
	assert.Equal(t, "busy", rejected.Reason)
	assert.Equal(t, 30*time.Second, mr.TTL(callKey("c1")))

	// 终态之后的拒绝、挂断、应答均不产生任何推送
	res, err = svc2.RejectCall(ctx, b, &model.CallRejectRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	res, err = svc1.EndCall(ctx, a, &model.CallEndRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	res, err = svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	expectNoEvent(t, a, model.EventCallReject, 100*time.Millisecond)
	expectNoEvent(t, b, model.EventCallEnd, 50*time.Millisecond)

	// 宽限期过后记录消失，再拒绝同样是空操作
	mr.FastForward(31 * time.Second)
	res, err = svc2.RejectCall(ctx, b, &model.CallRejectRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestCall_ICECandidatesActivateAndKeepOrder(t *testing.T) {
	ctx := context.Background()
	svc1, svc2, a, b, _ := callPair(t, testOptions("relay-1"))

	delivered, err := svc1.RelayICECandidate(ctx, a, &model.ICECandidateRequest{CallID: "unknown", Candidate: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, delivered)

	initiate(t, svc1, a, "c1", "B")
	_, err = svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{}`)})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		raw, _ := json.Marshal(map[string]int{"n": i})
		delivered, err := svc2.RelayICECandidate(ctx, b, &model.ICECandidateRequest{CallID: "c1", Candidate: raw})
		require.NoError(t, err)
		assert.True(t, delivered)
	}

	for i := 1; i <= 3; i++ {
		var cand model.ICECandidatePayload
		decode(t, expectEvent(t, a, model.EventCallICECandidate), &cand)
		assert.Equal(t, "B", cand.FromUserID)
		var body map[string]int
		require.NoError(t, json.Unmarshal(cand.Candidate, &body))
		assert.Equal(t, i, body["n"])
	}

	call, err := svc1.GetCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusActive, call.Status)

	// 非通话参与方的候选被丢弃
	outsider := NewConnection("x1", "X", "web", 8)
	delivered, err = svc1.RelayICECandidate(ctx, outsider, &model.ICECandidateRequest{CallID: "c1", Candidate: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestCall_RingTimeoutMarksMissed(t *testing.T) {
	opts := testOptions("relay-1")
	opts.Call.RingTimeout = 50 * time.Millisecond
	svc1, svc2, a, b, _ := callPair(t, opts)

	initiate(t, svc1, a, "c1", "B")

	var ended model.CallPayload
	decode(t, expectEvent(t, a, model.EventCallEnd), &ended)
	assert.Equal(t, model.CallStatusMissed, ended.Status)
	decode(t, expectEvent(t, b, model.EventCallEnd), &ended)
	assert.Equal(t, model.CallStatusMissed, ended.Status)

	var n model.Notification
	decode(t, expectEvent(t, b, model.EventNotificationNew), &n)
	assert.Equal(t, model.NotificationMissedCall, n.Type)

	list, err := svc2.ListNotifications(context.Background(), "B")
	require.NoError(t, err)
	require.Len(t, list, 1)
	var detail model.CallPayload
	require.NoError(t, json.Unmarshal(list[0].Payload, &detail))
	assert.Equal(t, "A", detail.CallerID)
}

func TestCall_RingTimeoutAfterAnswerIsNoop(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("relay-1")
	opts.Call.RingTimeout = 100 * time.Millisecond
	svc1, svc2, a, b, _ := callPair(t, opts)

	initiate(t, svc1, a, "c1", "B")
	res, err := svc2.AnswerCall(ctx, b, &model.CallAnswerRequest{CallID: "c1", Answer: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	expectNoEvent(t, a, model.EventCallEnd, 250*time.Millisecond)
	call, err := svc1.GetCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusAnswered, call.Status)
}
