package model

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator 单例校验器，缓存结构体信息
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate 校验入站请求，失败时返回 VALIDATION_ERROR
func Validate(v interface{}) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError("%v", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fe.Field()+": failed "+fe.Tag()+"="+fe.Param())
		} else {
			msgs = append(msgs, fe.Field()+": failed "+fe.Tag())
		}
	}
	return NewValidationError("%s", strings.Join(msgs, "; "))
}

// DecodeFrame 解析一帧
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, NewValidationError("malformed frame: %v", err)
	}
	if f.Event == "" {
		return nil, NewValidationError("event is required")
	}
	return &f, nil
}

// DecodePayload 解析并校验事件数据
func DecodePayload(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return NewValidationError("malformed payload: %v", err)
	}
	return Validate(dst)
}

// EncodeFrame 编码一帧
func EncodeFrame(event string, data interface{}, ackID string) ([]byte, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw, AckID: ackID})
}

// EncodeAck 编码确认帧
func EncodeAck(ackID string, data interface{}) ([]byte, error) {
	return EncodeFrame(EventAck, AckPayload{AckID: ackID, Data: data}, "")
}

// EncodeError 编码错误帧
func EncodeError(event, ackID string, err *RelayError) ([]byte, error) {
	return EncodeFrame(EventError, err.ToPayload(event, ackID), "")
}

// EncodeEnvelope 编码总线消息
func EncodeEnvelope(event string, data interface{}, exclude string) ([]byte, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw, Exclude: exclude})
}

// DecodeEnvelope 解析总线消息
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("envelope without event")
	}
	return &env, nil
}

func marshalData(data interface{}) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	}
	return json.Marshal(data)
}
