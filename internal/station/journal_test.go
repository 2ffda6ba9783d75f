package station

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-fulfillment/internal/common/config"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/fanout"
)

func openJournalWorker(t *testing.T, path string, rep *fakeReporter) (*Worker, *SQLiteJournal) {
	t.Helper()
	j, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	b, err := OpenBoard(context.Background(), domain.StationKitchen, j)
	require.NoError(t, err)
	return NewWorker(domain.StationKitchen, rep, &fakeAlerts{}, nil, Options{
		WorkerName: "kitchen-1",
		Retry:      fastRetry,
		Board:      b,
	}), j
}

func TestBoardSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kitchen-board.db")
	ctx := context.Background()

	down := &fakeReporter{failN: 1 << 20}
	w, j := openJournalWorker(t, path, down)
	ack := &fakeAck{}
	msgs := make(chan amqp.Delivery, 1)
	msgs <- delivery(ack, 1, orderBody(t, "o1", domain.StationKitchen), fanout.KindStationOrder)
	close(msgs)
	assert.ErrorIs(t, w.Consume(ctx, msgs), ErrDeliveriesClosed)
	require.Equal(t, []uint64{1}, ack.acks, "the task was acked to the broker")

	_, err := w.Advance(ctx, "o1", domain.TaskInProgress)
	require.NoError(t, err)
	w.Wait()
	require.NoError(t, j.Close())

	up := &fakeReporter{}
	w2, _ := openJournalWorker(t, path, up)
	e, ok := w2.Board().Get("o1")
	require.True(t, ok, "acked task is still on the board after a restart")
	assert.Equal(t, domain.TaskInProgress, e.Status)
	assert.Equal(t, []domain.TaskStatus{domain.TaskInProgress}, e.Unreported)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "croissant", e.Items[0].ProductRef)

	assert.Equal(t, 1, w2.ResendPending(ctx))
	got := up.all()
	require.Len(t, got, 1)
	assert.Equal(t, domain.TransitionToken("o1", domain.StationKitchen, domain.TaskInProgress), got[0].Token)

	_, err = w2.Advance(ctx, "o1", domain.TaskReady)
	require.NoError(t, err)
	w2.Wait()
	assert.Empty(t, w2.Board().Unreported())

	b3, err := OpenBoard(ctx, domain.StationKitchen, mustJournal(t, path))
	require.NoError(t, err)
	e, ok = b3.Get("o1")
	require.True(t, ok)
	assert.Equal(t, domain.TaskReady, e.Status)
	assert.Nil(t, e.Unreported, "settled reports are recorded too")
}

func mustJournal(t *testing.T, path string) *SQLiteJournal {
	t.Helper()
	j, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

type brokenJournal struct{ entries []Entry }

func (j *brokenJournal) Save(context.Context, Entry) error { return errors.New("disk full") }

func (j *brokenJournal) Load(context.Context) ([]Entry, error) { return j.entries, nil }

func TestUnrecordedTaskIsRequeued(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBoard(ctx, domain.StationKitchen, &brokenJournal{})
	require.NoError(t, err)
	w := NewWorker(domain.StationKitchen, &fakeReporter{}, &fakeAlerts{}, nil, Options{Retry: fastRetry, Board: b})

	ack := &fakeAck{}
	msgs := make(chan amqp.Delivery, 1)
	msgs <- delivery(ack, 7, orderBody(t, "o1", domain.StationKitchen), fanout.KindStationOrder)
	close(msgs)
	assert.ErrorIs(t, w.Consume(ctx, msgs), ErrDeliveriesClosed)

	assert.Empty(t, ack.acks)
	assert.Equal(t, []uint64{7}, ack.requeue)
	_, ok := w.Board().Get("o1")
	assert.False(t, ok, "nothing is kept that the journal did not record")
}

func TestAdvanceFailsWhenJournalFails(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBoard(ctx, domain.StationKitchen, &brokenJournal{entries: []Entry{{
		OrderID: "o1", Station: domain.StationKitchen, Status: domain.TaskPending,
	}, {
		OrderID: "other", Station: domain.StationBarista, Status: domain.TaskPending,
	}}})
	require.NoError(t, err)
	assert.Len(t, b.List(), 1, "entries of another station are ignored")

	rep := &fakeReporter{}
	w := NewWorker(domain.StationKitchen, rep, &fakeAlerts{}, nil, Options{Retry: fastRetry, Board: b})
	_, err = w.Advance(ctx, "o1", domain.TaskInProgress)
	assert.ErrorIs(t, err, domain.ErrTransient)
	w.Wait()

	e, _ := b.Get("o1")
	assert.Equal(t, domain.TaskPending, e.Status)
	assert.Empty(t, rep.all())
}

func TestConsumeStopsOnContext(t *testing.T) {
	w := newWorker(&fakeReporter{}, &fakeAlerts{}, config.AutoPrepare{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Consume(ctx, make(chan amqp.Delivery)))
}
