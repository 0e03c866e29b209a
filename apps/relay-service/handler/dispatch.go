package handler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/apps/relay-service/service"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/metrics"
	"goim-realtime/pkg/telemetry"
)

// handlerFunc 处理一个入站事件，返回值作为确认帧的 data
type handlerFunc func(ctx context.Context, c *service.Connection, data json.RawMessage) (interface{}, error)

// bind 解码并校验请求后调用 fn
func bind[T any](fn func(ctx context.Context, c *service.Connection, req *T) (interface{}, error)) handlerFunc {
	return func(ctx context.Context, c *service.Connection, data json.RawMessage) (interface{}, error) {
		req := new(T)
		if err := model.DecodePayload(data, req); err != nil {
			return nil, err
		}
		return fn(ctx, c, req)
	}
}

// unsolicitedAck 没带 ackId 也回 ack 的事件；发送方靠 tempId 对应服务端消息ID
var unsolicitedAck = map[string]bool{
	model.EventMessageNew: true,
}

func (h *WSHandler) buildRoutes() map[string]handlerFunc {
	typing := func(event string) handlerFunc {
		return bind(func(ctx context.Context, c *service.Connection, req *model.TypingRequest) (interface{}, error) {
			return nil, h.svc.Typing(ctx, c, event, req)
		})
	}
	reaction := func(event string) handlerFunc {
		return bind(func(ctx context.Context, c *service.Connection, req *model.ReactionRequest) (interface{}, error) {
			return h.svc.React(ctx, c, event, req)
		})
	}

	return map[string]handlerFunc{
		// 聊天
		model.EventMessageNew: bind(func(ctx context.Context, c *service.Connection, req *model.MessageNewRequest) (interface{}, error) {
			return h.svc.SendMessage(ctx, c, req)
		}),
		model.EventMessageDelivered: bind(func(ctx context.Context, c *service.Connection, req *model.MessageDeliveredRequest) (interface{}, error) {
			return h.svc.MessageDelivered(ctx, c, req)
		}),
		model.EventMessageRead: bind(func(ctx context.Context, c *service.Connection, req *model.MessageReadRequest) (interface{}, error) {
			return h.svc.MessageRead(ctx, c, req)
		}),
		model.EventMessageTyping:     typing(model.EventMessageTyping),
		model.EventMessageStopTyping: typing(model.EventMessageStopTyping),
		model.EventReactionNew:       reaction(model.EventReactionNew),
		model.EventReactionRemove:    reaction(model.EventReactionRemove),

		// 在线状态
		model.EventPresenceUpdate: bind(func(ctx context.Context, c *service.Connection, req *model.PresenceUpdateRequest) (interface{}, error) {
			return h.svc.UpdatePresence(ctx, c, req), nil
		}),
		model.EventPresenceSubscribe: bind(func(ctx context.Context, c *service.Connection, req *model.PresenceSubscribeRequest) (interface{}, error) {
			if limit := h.svc.Options().Presence.MaxTargets; limit > 0 && len(req.UserIDs) > limit {
				return nil, model.NewValidationError("userIds: at most %d targets", limit)
			}
			return h.svc.SubscribePresence(ctx, c, req.UserIDs)
		}),
		model.EventPresenceUnsubscribe: bind(func(ctx context.Context, c *service.Connection, req *model.PresenceSubscribeRequest) (interface{}, error) {
			h.svc.UnsubscribePresence(ctx, c, req.UserIDs)
			return nil, nil
		}),

		// 房间
		model.EventChatJoin: bind(func(ctx context.Context, c *service.Connection, req *model.ChatRequest) (interface{}, error) {
			if _, err := h.svc.JoinRoom(ctx, c, req.ChatID); err != nil {
				return nil, err
			}
			return model.ChatRequest{ChatID: req.ChatID}, nil
		}),
		model.EventChatLeave: bind(func(ctx context.Context, c *service.Connection, req *model.ChatRequest) (interface{}, error) {
			if _, err := h.svc.LeaveRoom(ctx, c, req.ChatID); err != nil {
				return nil, err
			}
			return model.ChatRequest{ChatID: req.ChatID}, nil
		}),
		model.EventChatJoinMultiple: bind(func(ctx context.Context, c *service.Connection, req *model.ChatJoinMultipleRequest) (interface{}, error) {
			if limit := h.svc.Options().Room.MaxPerBatch; limit > 0 && len(req.ChatIDs) > limit {
				return nil, model.NewValidationError("chatIds: at most %d rooms", limit)
			}
			joined, err := h.svc.JoinRooms(ctx, c, req.ChatIDs)
			if err != nil {
				return nil, err
			}
			return model.JoinResult{Joined: joined}, nil
		}),

		// 通话信令
		model.EventCallInitiate: bind(func(ctx context.Context, c *service.Connection, req *model.CallInitiateRequest) (interface{}, error) {
			return h.svc.InitiateCall(ctx, c, req)
		}),
		model.EventCallAnswer: bind(func(ctx context.Context, c *service.Connection, req *model.CallAnswerRequest) (interface{}, error) {
			return h.svc.AnswerCall(ctx, c, req)
		}),
		model.EventCallReject: bind(func(ctx context.Context, c *service.Connection, req *model.CallRejectRequest) (interface{}, error) {
			return h.svc.RejectCall(ctx, c, req)
		}),
		model.EventCallEnd: bind(func(ctx context.Context, c *service.Connection, req *model.CallEndRequest) (interface{}, error) {
			return h.svc.EndCall(ctx, c, req)
		}),
		model.EventCallICECandidate: bind(func(ctx context.Context, c *service.Connection, req *model.ICECandidateRequest) (interface{}, error) {
			delivered, err := h.svc.RelayICECandidate(ctx, c, req)
			if err != nil {
				return nil, err
			}
			return map[string]bool{"delivered": delivered}, nil
		}),

		// 通知信箱
		model.EventNotificationGetPending: func(ctx context.Context, c *service.Connection, _ json.RawMessage) (interface{}, error) {
			return h.svc.ListNotifications(ctx, c.UserID)
		},
		model.EventNotificationRead: bind(func(ctx context.Context, c *service.Connection, req *model.NotificationRequest) (interface{}, error) {
			return nil, h.svc.MarkNotificationRead(ctx, c.UserID, req.NotificationID)
		}),
		model.EventNotificationClear: bind(func(ctx context.Context, c *service.Connection, req *model.NotificationRequest) (interface{}, error) {
			return nil, h.svc.ClearNotification(ctx, c.UserID, req.NotificationID)
		}),
		model.EventNotificationClearAll: func(ctx context.Context, c *service.Connection, _ json.RawMessage) (interface{}, error) {
			return nil, h.svc.ClearNotifications(ctx, c.UserID)
		},
	}
}

// dispatch 解码 -> 限流 -> 处理 -> 确认/错误帧
func (h *WSHandler) dispatch(ctx context.Context, c *service.Connection, raw []byte) {
	start := time.Now()

	frame, err := model.DecodeFrame(raw)
	if err != nil {
		metrics.RecordEvent("invalid", "error", time.Since(start))
		h.replyError(ctx, c, "", "", model.AsRelayError(err))
		return
	}
	fn, ok := h.routes[frame.Event]
	if !ok {
		metrics.RecordEvent("unknown", "error", time.Since(start))
		h.replyError(ctx, c, frame.Event, frame.AckID, model.NewValidationError("unknown event %q", frame.Event))
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "relay "+frame.Event)
	span.SetAttributes(
		attribute.String("relay.event", frame.Event),
		attribute.String("relay.user_id", c.UserID),
		attribute.String("relay.conn_id", c.ID),
	)
	defer span.End()

	var result interface{}
	if err = h.limiter.Allow(ctx, c.UserID, frame.Event); err != nil {
		err = model.NewRateLimitError(frame.Event, err)
	} else {
		result, err = h.invoke(ctx, fn, c, frame)
	}

	if err != nil {
		re := model.AsRelayError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, re.Code)
		metrics.RecordEvent(frame.Event, "error", time.Since(start))
		h.replyError(ctx, c, frame.Event, frame.AckID, re)
		return
	}
	metrics.RecordEvent(frame.Event, "ok", time.Since(start))
	if frame.AckID != "" || unsolicitedAck[frame.Event] {
		h.reply(ctx, c, frame.Event, func() ([]byte, error) { return model.EncodeAck(frame.AckID, result) })
	}
}

// invoke 单个事件的panic只影响该事件
func (h *WSHandler) invoke(ctx context.Context, fn handlerFunc, c *service.Connection, frame *model.Frame) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(ctx, "Event handler panic",
				logger.F("event", frame.Event), logger.F("panic", r), logger.F("stack", string(debug.Stack())))
			err = model.NewInternalError(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, c, frame.Data)
}

func (h *WSHandler) replyError(ctx context.Context, c *service.Connection, event, ackID string, re *model.RelayError) {
	metrics.RecordError(re.Code)
	fields := []logger.Field{logger.F("event", event), logger.F("code", re.Code), logger.Err(re)}
	switch re.Code {
	case model.CodeInternal, model.CodeStoreUnavailable:
		h.log.Error(ctx, "Event failed", fields...)
	default:
		h.log.Info(ctx, "Event rejected", fields...)
	}
	h.reply(ctx, c, event, func() ([]byte, error) { return model.EncodeError(event, ackID, re) })
}

func (h *WSHandler) reply(ctx context.Context, c *service.Connection, event string, encode func() ([]byte, error)) {
	frame, err := encode()
	if err != nil {
		h.log.Error(ctx, "Encode reply failed", logger.F("event", event), logger.Err(err))
		return
	}
	c.Enqueue(frame)
}
