package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/nats-io/nats.go"
)

func sampleEvent() Event {
	ev := NewEvent(SubscriptionActivated, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 42)
	ev.SubscriptionID = "sub-1"
	ev.TransactionID = "txn-1"
	ev.Payload = map[string]any{"product": "gold"}
	return ev
}

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{rec, DispatcherFunc(func(context.Context, Event) error { return boom }), NewLog(nil)}

	err := m.Dispatch(context.Background(), sampleEvent())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if got := rec.Types(); len(got) != 1 || got[0] != SubscriptionActivated {
		t.Errorf("recorded = %v", got)
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Error("Reset should drop events")
	}
}

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakePublisher) PublishMsg(msg *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestNATSDispatch(t *testing.T) {
	pub := &fakePublisher{}
	d := newNATS(pub, "", nil)
	ev := sampleEvent()

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Subject != "membership.subscription.activated" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Header.Get(nats.MsgIdHdr) != ev.ID {
		t.Errorf("msg id header = %q, want %q", msg.Header.Get(nats.MsgIdHdr), ev.ID)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.UserID != 42 || decoded.SubscriptionID != "sub-1" {
		t.Errorf("decoded = %+v", decoded)
	}

	pub.err = nats.ErrConnectionClosed
	if err := d.Dispatch(context.Background(), ev); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close without connection: %v", err)
	}
}

func TestKafkaDispatch(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	ev := sampleEvent()
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != DefaultTopic {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "sub-1" {
			return fmt.Errorf("key = %q", key)
		}
		if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != string(SubscriptionActivated) {
			return fmt.Errorf("headers = %+v", msg.Headers)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := newKafka(producer, "", nil)
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), ev); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("err = %v, want ErrOutOfBrokers", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
