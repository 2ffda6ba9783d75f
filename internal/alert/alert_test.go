package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/domain"
)

type capture struct {
	body    []byte
	headers amqp.Table
	err     error
	calls   int
}

func (c *capture) Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	c.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	c.body, c.headers = body, headers
	return c.err
}

func TestBrokerPublishesAlert(t *testing.T) {
	pub := &capture{}
	b := NewBroker(pub, logger.NewNop(), time.Second)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return at }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Raise(ctx, domain.Alert{Source: "barista", Action: "report_exhausted", OrderID: "o1", Station: domain.StationBarista, Detail: "down"})

	require.Equal(t, 1, pub.calls)
	assert.Equal(t, "alert", pub.headers[mq.HeaderKind])
	var got domain.Alert
	require.NoError(t, json.Unmarshal(pub.body, &got))
	assert.Equal(t, at, got.At)
	assert.Equal(t, "report_exhausted", got.Action)
}

func TestBrokerSurvivesPublishFailure(t *testing.T) {
	pub := &capture{err: errors.New("broker gone")}
	b := NewBroker(pub, logger.NewNop(), time.Second)
	assert.NotPanics(t, func() {
		b.Raise(context.Background(), domain.Alert{Source: "coordinator", Action: "publish_exhausted"})
	})
	assert.Equal(t, 1, pub.calls)
}
