package notify

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/fanout"
)

type ackRecorder struct {
	acked, nacked []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _, _ bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, _ bool) error { return a.Nack(tag, false, false) }

func msg(t *testing.T, ack amqp.Acknowledger, tag uint64, kind string, v any) amqp.Delivery {
	t.Helper()
	body, ok := v.([]byte)
	if !ok {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Headers: amqp.Table{mq.HeaderKind: kind}, Body: body}
}

func TestHandle(t *testing.T) {
	s := NewSubscriber(nil)
	ctx := context.Background()

	assert.NoError(t, s.Handle(ctx, msg(t, nil, 1, fanout.KindStatusChanged, domain.StatusChangedEvent{
		OrderID: "o1", Station: domain.StationKitchen, OldStatus: domain.TaskPending, NewStatus: domain.TaskInProgress,
	})))
	assert.NoError(t, s.Handle(ctx, msg(t, nil, 2, fanout.KindAlert, domain.Alert{Source: "kitchen-1", Action: "report_exhausted"})))
	assert.NoError(t, s.Handle(ctx, msg(t, nil, 3, "something_else", []byte("whatever"))))
	assert.ErrorIs(t, s.Handle(ctx, msg(t, nil, 4, fanout.KindAlert, []byte("{"))), ErrMalformed)
}

func TestRun(t *testing.T) {
	ack := &ackRecorder{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- msg(t, ack, 1, fanout.KindAlert, domain.Alert{Action: "publish_exhausted"})
	msgs <- msg(t, ack, 2, fanout.KindStatusChanged, []byte("not json"))
	close(msgs)

	assert.ErrorIs(t, NewSubscriber(nil).Run(context.Background(), msgs), ErrDeliveriesClosed)
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
}

func TestRunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewSubscriber(nil).Run(ctx, make(chan amqp.Delivery)))
}
