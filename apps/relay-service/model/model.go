package model

import (
	"github.com/goccy/go-json"
)

// 客户端 -> 中继 事件
const (
	EventMessageNew        = "message:new"
	EventMessageDelivered  = "message:delivered"
	EventMessageRead       = "message:read"
	EventMessageTyping     = "message:typing"
	EventMessageStopTyping = "message:stop-typing"

	EventPresenceUpdate      = "presence:update"
	EventPresenceSubscribe   = "presence:subscribe"
	EventPresenceUnsubscribe = "presence:unsubscribe"

	EventCallInitiate     = "call:initiate"
	EventCallAnswer       = "call:answer"
	EventCallReject       = "call:reject"
	EventCallEnd          = "call:end"
	EventCallICECandidate = "call:ice-candidate"

	EventReactionNew    = "reaction:new"
	EventReactionRemove = "reaction:remove"

	EventChatJoin         = "chat:join"
	EventChatLeave        = "chat:leave"
	EventChatJoinMultiple = "chat:join-multiple"

	EventNotificationRead       = "notification:read"
	EventNotificationClear      = "notification:clear"
	EventNotificationClearAll   = "notification:clear-all"
	EventNotificationGetPending = "notification:get-pending"
)

// 中继 -> 客户端 事件
const (
	EventConnected        = "connected"
	EventCallIncoming     = "call:incoming"
	EventChatMemberJoined = "chat:member-joined"
	EventChatMemberLeft   = "chat:member-left"
	EventChatUpdated      = "chat:updated"
	EventNotificationNew  = "notification:new"
	EventAck              = "ack"
	EventError            = "error"
)

// 在线状态
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
	StatusBusy    = "busy"
)

// 通话类型
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// 通话状态
const (
	CallStatusInitiated = "initiated"
	CallStatusAnswered  = "answered"
	CallStatusActive    = "active"
	CallStatusEnded     = "ended"
	CallStatusRejected  = "rejected"
	CallStatusMissed    = "missed"
)

// 通知类型
const (
	NotificationMissedCall = "missed_call"
	NotificationMention    = "mention"
	NotificationChatUpdate = "chat_settings"
)

// Frame WebSocket上的一帧
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Envelope 总线上传递的事件，Exclude 为不需要投递的连接
type Envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

// ==================== 入站请求 ====================

type MessageNewRequest struct {
	ChatID           string `json:"chatId" validate:"required,max=128"`
	EncryptedContent string `json:"encryptedContent" validate:"required"`
	MessageType      string `json:"messageType" validate:"required,max=32"`
	ReplyToID        string `json:"replyToId,omitempty" validate:"omitempty,max=128"`
	TempID           string `json:"tempId,omitempty" validate:"omitempty,max=128"`
}

type MessageDeliveredRequest struct {
	MessageID   string `json:"messageId" validate:"required,max=128"`
	ChatID      string `json:"chatId" validate:"required,max=128"`
	DeliveredAt int64  `json:"deliveredAt,omitempty" validate:"gte=0"`
}

type MessageReadRequest struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
	ChatID    string `json:"chatId" validate:"required,max=128"`
	ReadAt    int64  `json:"readAt,omitempty" validate:"gte=0"`
}

// TypingRequest message:typing / message:stop-typing
type TypingRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

type PresenceUpdateRequest struct {
	Status       string `json:"status" validate:"required,oneof=online away busy"`
	CustomStatus string `json:"customStatus,omitempty" validate:"omitempty,max=128"`
}

// PresenceSubscribeRequest presence:subscribe / presence:unsubscribe
type PresenceSubscribeRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=100,dive,required,max=128"`
}

type CallInitiateRequest struct {
	CallID       string          `json:"callId" validate:"required,max=128"`
	TargetUserID string          `json:"targetUserId" validate:"required,max=128"`
	CallType     string          `json:"callType" validate:"required,oneof=audio video"`
	Offer        json.RawMessage `json:"offer" validate:"required"`
}

type CallAnswerRequest struct {
	CallID string          `json:"callId" validate:"required,max=128"`
	Answer json.RawMessage `json:"answer" validate:"required"`
}

type CallRejectRequest struct {
	CallID string `json:"callId" validate:"required,max=128"`
	Reason string `json:"reason,omitempty" validate:"omitempty,max=256"`
}

type CallEndRequest struct {
	CallID string `json:"callId" validate:"required,max=128"`
}

type ICECandidateRequest struct {
	CallID    string          `json:"callId" validate:"required,max=128"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// ReactionRequest reaction:new / reaction:remove
type ReactionRequest struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
	ChatID    string `json:"chatId" validate:"required,max=128"`
	Reaction  string `json:"reaction" validate:"required,max=64"`
}

// ChatRequest chat:join / chat:leave
type ChatRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
}

type ChatJoinMultipleRequest struct {
	ChatIDs []string `json:"chatIds" validate:"required,min=1,max=100,dive,required,max=128"`
}

// NotificationRequest notification:read / notification:clear
type NotificationRequest struct {
	NotificationID string `json:"notificationId" validate:"required,max=128"`
}

// ==================== 出站事件 ====================

type ConnectedPayload struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

type MessagePayload struct {
	ID               string `json:"id"`
	ChatID           string `json:"chatId"`
	SenderID         string `json:"senderId"`
	EncryptedContent string `json:"encryptedContent"`
	MessageType      string `json:"messageType"`
	ReplyToID        string `json:"replyToId,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}

// MessageAck message:new 的确认
type MessageAck struct {
	ID        string `json:"id"`
	TempID    string `json:"tempId,omitempty"`
	ChatID    string `json:"chatId"`
	CreatedAt int64  `json:"createdAt"`
}

// ReceiptPayload 已送达/已读回执
type ReceiptPayload struct {
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
	ReadAt      int64  `json:"readAt,omitempty"`
}

type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type PresencePayload struct {
	UserID       string `json:"userId"`
	Status       string `json:"status"`
	CustomStatus string `json:"customStatus,omitempty"`
	LastSeen     int64  `json:"lastSeen,omitempty"`
}

// CallPayload call:incoming / answer / reject / end
type CallPayload struct {
	CallID       string          `json:"callId"`
	CallerID     string          `json:"callerId"`
	TargetUserID string          `json:"targetUserId"`
	CallType     string          `json:"callType"`
	Status       string          `json:"status"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	EndedBy      string          `json:"endedBy,omitempty"`
}

type ICECandidatePayload struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Candidate  json.RawMessage `json:"candidate"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Reaction  string `json:"reaction"`
	CreatedAt int64  `json:"createdAt"`
}

// MemberPayload chat:member-joined / chat:member-left
type MemberPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

// JoinResult chat:join-multiple 的确认
type JoinResult struct {
	Joined []string `json:"joined"`
}

// Notification 通知信箱条目
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	Read      bool            `json:"read"`
}

type AckPayload struct {
	AckID string      `json:"ackId"`
	Data  interface{} `json:"data,omitempty"`
}

type ErrorPayload struct {
	AckID   string `json:"ackId,omitempty"`
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExternalEvent Kafka relay.events 上由外部服务投递的事件
type ExternalEvent struct {
	Target string          `json:"target" validate:"required,oneof=user room"`
	ID     string          `json:"id" validate:"required"`
	Event  string          `json:"event" validate:"required"`
	Data   json.RawMessage `json:"data,omitempty"`
}
