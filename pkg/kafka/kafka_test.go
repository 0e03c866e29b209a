package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goim-realtime/pkg/logger"
)

func TestProducer_SendMessage(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, NewProducerConfig())
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "relay.presence" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "alice" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	p := NewProducer(mp, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, p.SendMessage(ctx, "relay.presence", []byte("alice"), []byte(`{"status":"online"}`)))
	require.NoError(t, p.SendMessage(ctx, "relay.presence", []byte("bob"), []byte(`{"status":"offline"}`)))

	assert.NoError(t, p.Close())
}

func TestProducer_SendMessageRespectsContext(t *testing.T) {
	blocked := &blockingProducer{input: make(chan *sarama.ProducerMessage)}
	p := &Producer{asyncProducer: blocked, log: logger.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SendMessage(ctx, "relay.presence", nil, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// blockingProducer 输入通道没人读
type blockingProducer struct {
	sarama.AsyncProducer
	input chan *sarama.ProducerMessage
}

func (b *blockingProducer) Input() chan<- *sarama.ProducerMessage { return b.input }

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestConsumer_ConsumeClaimLeavesFailedMessageUncommitted(t *testing.T) {
	var handled []string
	handler := ConsumerHandlerFunc(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		handled = append(handled, string(msg.Value))
		if string(msg.Value) == "bad" {
			return errors.New("store unavailable")
		}
		return nil
	})
	c := newConsumer(nil, []string{"relay.events"}, handler, logger.NewNop())
	c.retryBackoff = time.Millisecond

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "relay.events", Offset: 1, Value: []byte("a")}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "relay.events", Offset: 2, Value: []byte("bad")}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "relay.events", Offset: 3, Value: []byte("c")}
	close(claim.msgs)

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.Setup(sess))
	err := c.ConsumeClaim(sess, claim)
	require.Error(t, err)

	// 首次加重试共 maxRetries+1 次，之后的消息不再处理
	assert.Equal(t, []string{"a", "bad", "bad", "bad", "bad"}, handled)
	assert.Equal(t, []int64{1}, sess.marked)

	select {
	case <-c.Ready():
	default:
		t.Fatal("consumer should be ready after setup")
	}
	// 重平衡会再次调用 Setup
	assert.NoError(t, c.Setup(sess))
}

func TestConsumer_ConsumeClaimRetriesTransientFailure(t *testing.T) {
	failures := 2
	handler := ConsumerHandlerFunc(func(context.Context, *sarama.ConsumerMessage) error {
		if failures > 0 {
			failures--
			return errors.New("store unavailable")
		}
		return nil
	})
	c := newConsumer(nil, nil, handler, logger.NewNop())
	c.retryBackoff = time.Millisecond

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 2)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "relay.events", Offset: 7, Value: []byte("mention")}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "relay.events", Offset: 8, Value: []byte("next")}
	close(claim.msgs)

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(sess, claim))
	assert.Equal(t, []int64{7, 8}, sess.marked)
}

func TestConsumer_ConsumeClaimSessionEndDuringRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := ConsumerHandlerFunc(func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("store unavailable")
	})
	c := newConsumer(nil, nil, handler, logger.NewNop())

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 1)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "relay.events", Offset: 3}

	sess := &fakeSession{ctx: ctx}
	assert.NoError(t, c.ConsumeClaim(sess, claim))
	assert.Empty(t, sess.marked)
}

func TestConsumer_ConsumeClaimStopsOnSessionEnd(t *testing.T) {
	c := newConsumer(nil, nil, ConsumerHandlerFunc(func(context.Context, *sarama.ConsumerMessage) error {
		return nil
	}), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)})
	assert.NoError(t, err)
}
