package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/logger"
)

func callKey(callID string) string { return "call:" + callID }

// 通话状态机：initiated -> answered -> active -> {ended | rejected | missed}
// 所有迁移都在脚本中先比对当前状态，跨进程并发时非法迁移直接为空操作。

// 迁移时的操作者限制
const (
	actorNone   = "none"
	actorCaller = "caller"
	actorCallee = "callee"
	actorParty  = "party"
)

// 脚本返回码，0 表示当前状态不允许该迁移
const (
	casNotFound  = -1
	casForbidden = -2
)

// ttlDelete 迁移后立即删除记录
const ttlDelete = -1

// createCallScript KEYS: call  ARGV: ttl(ms), field, value, ...
var createCallScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// transitionCallScript
// KEYS: call
// ARGV: to, now, actor, actorRule, extraField, extraValue, ttl(ms; 0 保持, -1 删除), from...
var transitionCallScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
local allowed = false
for i = 8, #ARGV do
  if ARGV[i] == status then
    allowed = true
  end
end
if not allowed then
  return 0
end
local caller = redis.call('HGET', KEYS[1], 'callerId')
local callee = redis.call('HGET', KEYS[1], 'targetUserId')
local rule = ARGV[4]
if (rule == 'caller' and caller ~= ARGV[3])
  or (rule == 'callee' and callee ~= ARGV[3])
  or (rule == 'party' and caller ~= ARGV[3] and callee ~= ARGV[3]) then
  return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updatedAt', ARGV[2])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], ARGV[5], ARGV[6])
end
local fields = redis.call('HGETALL', KEYS[1])
local ttl = tonumber(ARGV[7])
if ttl < 0 then
  redis.call('DEL', KEYS[1])
elseif ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return fields
`)

// CallSession 共享存储中的通话记录
type CallSession struct {
	CallID       string
	CallerID     string
	TargetUserID string
	CallType     string
	Status       string
	Offer        string
	Answer       string
	CreatedAt    int64
	UpdatedAt    int64
}

func parseCallSession(fields map[string]string) *CallSession {
	createdAt, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updatedAt"], 10, 64)
	return &CallSession{
		CallID:       fields["callId"],
		CallerID:     fields["callerId"],
		TargetUserID: fields["targetUserId"],
		CallType:     fields["callType"],
		Status:       fields["status"],
		Offer:        fields["offer"],
		Answer:       fields["answer"],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
}

// Terminal 是否已结束
func (cs *CallSession) Terminal() bool {
	switch cs.Status {
	case model.CallStatusEnded, model.CallStatusRejected, model.CallStatusMissed:
		return true
	}
	return false
}

// Peer 另一方
func (cs *CallSession) Peer(userID string) (string, bool) {
	switch userID {
	case cs.CallerID:
		return cs.TargetUserID, true
	case cs.TargetUserID:
		return cs.CallerID, true
	}
	return "", false
}

func (cs *CallSession) payload() model.CallPayload {
	return model.CallPayload{
		CallID:       cs.CallID,
		CallerID:     cs.CallerID,
		TargetUserID: cs.TargetUserID,
		CallType:     cs.CallType,
		Status:       cs.Status,
	}
}

// CallResult 通话事件的确认内容；Applied 为 false 表示迁移被忽略
type CallResult struct {
	CallID  string `json:"callId"`
	Status  string `json:"status,omitempty"`
	Applied bool   `json:"applied"`
}

type transition struct {
	to         string
	from       []string
	actor      string
	actorRule  string
	field      string
	value      string
	ttl        time.Duration
	deleteCall bool
}

// transitionCall 执行一次CAS迁移，返回迁移后的记录；返回码非成功时记录为nil
func (s *Service) transitionCall(ctx context.Context, callID string, t transition) (*CallSession, int64, error) {
	ttl := t.ttl.Milliseconds()
	if t.deleteCall {
		ttl = ttlDelete
	}
	args := []interface{}{t.to, nowMillis(), t.actor, t.actorRule, t.field, t.value, ttl}
	for _, f := range t.from {
		args = append(args, f)
	}

	res, err := s.redis.RunScript(ctx, transitionCallScript, []string{callKey(callID)}, args...).Result()
	if err != nil {
		return nil, 0, model.NewStoreUnavailableError(err)
	}

	switch v := res.(type) {
	case int64:
		return nil, v, nil
	case []interface{}:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return parseCallSession(fields), 1, nil
	}
	return nil, 0, model.NewInternalError(fmt.Errorf("unexpected script result %T", res))
}

// GetCall 读取通话记录，不存在时返回 NOT_FOUND
func (s *Service) GetCall(ctx context.Context, callID string) (*CallSession, error) {
	fields, err := s.redis.HGetAll(ctx, callKey(callID))
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	if len(fields) == 0 {
		return nil, model.NewNotFoundError("call %s not found", callID)
	}
	return parseCallSession(fields), nil
}

// InitiateCall 创建通话并向被叫推送 call:incoming
func (s *Service) InitiateCall(ctx context.Context, c *Connection, req *model.CallInitiateRequest) (*CallResult, error) {
	if req.TargetUserID == c.UserID {
		return nil, model.NewValidationError("cannot call yourself")
	}

	now := nowMillis()
	created, err := s.redis.RunScript(ctx, createCallScript, []string{callKey(req.CallID)},
		s.opts.Call.TTL.Milliseconds(),
		"callId", req.CallID,
		"callerId", c.UserID,
		"targetUserId", req.TargetUserID,
		"callType", req.CallType,
		"status", model.CallStatusInitiated,
		"offer", string(req.Offer),
		"createdAt", now,
		"updatedAt", now,
	).Int64()
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	if created == 0 {
		return nil, model.NewValidationError("call %s already exists", req.CallID)
	}

	incoming := model.CallPayload{
		CallID:       req.CallID,
		CallerID:     c.UserID,
		TargetUserID: req.TargetUserID,
		CallType:     req.CallType,
		Status:       model.CallStatusInitiated,
		Offer:        req.Offer,
	}
	if err := s.publish(ctx, userChannel(req.TargetUserID), model.EventCallIncoming, incoming, ""); err != nil {
		// 被叫没收到来电，撤销记录让客户端可以用同一callId重试
		if derr := s.redis.Del(ctx, callKey(req.CallID)); derr != nil {
			s.log.Warn(ctx, "Rollback call failed", logger.F("call_id", req.CallID), logger.Err(derr))
		}
		return nil, err
	}
	s.armRing(req.CallID)

	s.log.Info(ctx, "Call initiated",
		logger.F("call_id", req.CallID), logger.F("user_id", c.UserID), logger.F("target", req.TargetUserID))
	return &CallResult{CallID: req.CallID, Status: model.CallStatusInitiated, Applied: true}, nil
}

// AnswerCall 被叫应答，SDP answer 只发给主叫
func (s *Service) AnswerCall(ctx context.Context, c *Connection, req *model.CallAnswerRequest) (*CallResult, error) {
	cs, code, err := s.transitionCall(ctx, req.CallID, transition{
		to:        model.CallStatusAnswered,
		from:      []string{model.CallStatusInitiated},
		actor:     c.UserID,
		actorRule: actorCallee,
		field:     "answer",
		value:     string(req.Answer),
	})
	if err != nil {
		return nil, err
	}
	if code == casNotFound {
		return nil, model.NewNotFoundError("call %s not found", req.CallID)
	}
	if cs == nil {
		s.logIgnored(ctx, c, model.EventCallAnswer, req.CallID, code)
		return &CallResult{CallID: req.CallID, Applied: false}, nil
	}
	s.cancelRing(req.CallID)

	p := cs.payload()
	p.Answer = req.Answer
	if err := s.publish(ctx, userChannel(cs.CallerID), model.EventCallAnswer, p, ""); err != nil {
		return nil, err
	}
	return &CallResult{CallID: req.CallID, Status: cs.Status, Applied: true}, nil
}

// RejectCall 拒绝通话，通知另一方，记录在宽限期后过期
func (s *Service) RejectCall(ctx context.Context, c *Connection, req *model.CallRejectRequest) (*CallResult, error) {
	cs, code, err := s.transitionCall(ctx, req.CallID, transition{
		to:        model.CallStatusRejected,
		from:      []string{model.CallStatusInitiated, model.CallStatusAnswered},
		actor:     c.UserID,
		actorRule: actorParty,
		field:     "reason",
		value:     req.Reason,
		ttl:       s.opts.Call.RejectGrace,
	})
	if err != nil {
		return nil, err
	}
	if cs == nil {
		s.logIgnored(ctx, c, model.EventCallReject, req.CallID, code)
		return &CallResult{CallID: req.CallID, Applied: false}, nil
	}
	s.cancelRing(req.CallID)

	p := cs.payload()
	p.Reason = req.Reason
	peer, _ := cs.Peer(c.UserID)
	if err := s.publish(ctx, userChannel(peer), model.EventCallReject, p, ""); err != nil {
		return nil, err
	}
	return &CallResult{CallID: req.CallID, Status: cs.Status, Applied: true}, nil
}

// EndCall 任一方挂断，通知双方并立即删除记录
func (s *Service) EndCall(ctx context.Context, c *Connection, req *model.CallEndRequest) (*CallResult, error) {
	cs, code, err := s.transitionCall(ctx, req.CallID, transition{
		to:         model.CallStatusEnded,
		from:       []string{model.CallStatusInitiated, model.CallStatusAnswered, model.CallStatusActive},
		actor:      c.UserID,
		actorRule:  actorParty,
		deleteCall: true,
	})
	if err != nil {
		return nil, err
	}
	if cs == nil {
		s.logIgnored(ctx, c, model.EventCallEnd, req.CallID, code)
		return &CallResult{CallID: req.CallID, Applied: false}, nil
	}
	s.cancelRing(req.CallID)

	p := cs.payload()
	p.EndedBy = c.UserID
	for _, uid := range []string{cs.CallerID, cs.TargetUserID} {
		if err := s.publish(ctx, userChannel(uid), model.EventCallEnd, p, ""); err != nil {
			return nil, err
		}
	}
	return &CallResult{CallID: req.CallID, Status: cs.Status, Applied: true}, nil
}

// RelayICECandidate 原样转发给另一方；通话不存在或已结束时静默丢弃
func (s *Service) RelayICECandidate(ctx context.Context, c *Connection, req *model.ICECandidateRequest) (bool, error) {
	cs, err := s.GetCall(ctx, req.CallID)
	if err != nil {
		if re := model.AsRelayError(err); re.Code == model.CodeNotFound {
			s.log.Debug(ctx, "Drop ICE candidate for unknown call",
				logger.F("call_id", req.CallID), logger.F("user_id", c.UserID))
			return false, nil
		}
		return false, err
	}
	peer, ok := cs.Peer(c.UserID)
	if !ok || cs.Terminal() {
		s.log.Debug(ctx, "Drop ICE candidate",
			logger.F("call_id", req.CallID), logger.F("user_id", c.UserID), logger.F("status", cs.Status))
		return false, nil
	}

	if cs.Status == model.CallStatusAnswered {
		if _, _, err := s.transitionCall(ctx, req.CallID, transition{
			to:        model.CallStatusActive,
			from:      []string{model.CallStatusAnswered},
			actor:     c.UserID,
			actorRule: actorParty,
		}); err != nil {
			s.log.Warn(ctx, "Activate call failed", logger.F("call_id", req.CallID), logger.Err(err))
		}
	}

	candidate := model.ICECandidatePayload{CallID: req.CallID, FromUserID: c.UserID, Candidate: req.Candidate}
	if err := s.publish(ctx, userChannel(peer), model.EventCallICECandidate, candidate, ""); err != nil {
		return false, err
	}
	return true, nil
}

// armRing 振铃超时后把仍未应答的通话置为未接
func (s *Service) armRing(callID string) {
	if s.opts.Call.RingTimeout <= 0 {
		return
	}
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	select {
	case <-s.stopCh:
		return
	default:
	}
	if old, ok := s.rings[callID]; ok {
		old.Stop()
	}
	s.rings[callID] = time.AfterFunc(s.opts.Call.RingTimeout, func() {
		s.ringMu.Lock()
		delete(s.rings, callID)
		s.ringMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.MissCall(ctx, callID); err != nil {
			s.log.Warn(ctx, "Ring timeout handling failed", logger.F("call_id", callID), logger.Err(err))
		}
	})
}

func (s *Service) cancelRing(callID string) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	if t, ok := s.rings[callID]; ok {
		t.Stop()
		delete(s.rings, callID)
	}
}

// MissCall 未接：通知双方，并在被叫信箱留下未接来电
func (s *Service) MissCall(ctx context.Context, callID string) error {
	cs, _, err := s.transitionCall(ctx, callID, transition{
		to:        model.CallStatusMissed,
		from:      []string{model.CallStatusInitiated},
		actorRule: actorNone,
		ttl:       s.opts.Call.RejectGrace,
	})
	if err != nil || cs == nil {
		return err
	}

	p := cs.payload()
	for _, uid := range []string{cs.CallerID, cs.TargetUserID} {
		if err := s.publish(ctx, userChannel(uid), model.EventCallEnd, p, ""); err != nil {
			s.log.Warn(ctx, "Publish missed call failed", logger.F("call_id", callID), logger.Err(err))
		}
	}

	detail, _ := json.Marshal(model.CallPayload{
		CallID:   cs.CallID,
		CallerID: cs.CallerID,
		CallType: cs.CallType,
		Status:   cs.Status,
	})
	_, err = s.Notify(ctx, cs.TargetUserID, model.NotificationMissedCall, detail)
	return err
}

func (s *Service) logIgnored(ctx context.Context, c *Connection, event, callID string, code int64) {
	reason := "invalid transition"
	switch code {
	case casNotFound:
		reason = "call not found"
	case casForbidden:
		reason = "not a participant"
	}
	s.log.Info(ctx, "Ignore call event",
		logger.F("event", event), logger.F("call_id", callID),
		logger.F("user_id", c.UserID), logger.F("conn_id", c.ID), logger.F("reason", reason))
}
