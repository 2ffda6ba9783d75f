package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"order-fulfillment/internal/domain"
)

type fulfillmentTestContext struct {
	h        *harness
	orderID  string
	lastAck  Ack
	lastErr  error
	observed []domain.AggregateStatus
}

func (c *fulfillmentTestContext) reset() {
	c.h = newHarness()
	c.orderID = ""
	c.lastAck = Ack{}
	c.lastErr = nil
	c.observed = nil
}

func (c *fulfillmentTestContext) observe() error {
	v, err := c.h.svc.GetOrderStatus(context.Background(), c.orderID)
	if err != nil {
		return err
	}
	c.observed = append(c.observed, v.Aggregate)
	return nil
}

func (c *fulfillmentTestContext) task(station string) (domain.StationTask, error) {
	st, err := domain.ParseStation(station)
	if err != nil {
		return domain.StationTask{}, err
	}
	tasks, err := c.h.store.GetTasks(context.Background(), c.orderID)
	if err != nil {
		return domain.StationTask{}, err
	}
	for _, t := range tasks {
		if t.Station == st {
			return t, nil
		}
	}
	return domain.StationTask{}, fmt.Errorf("order has no %s task", station)
}

func (c *fulfillmentTestContext) thePointOfSaleSubmitsAnOrderWith(table *godog.Table) error {
	var items []ItemInput
	for _, row := range table.Rows[1:] {
		qty, err := strconv.Atoi(row.Cells[1].Value)
		if err != nil {
			return err
		}
		items = append(items, ItemInput{ProductRef: row.Cells[0].Value, Quantity: qty, Affinity: row.Cells[2].Value})
	}
	id, err := c.h.svc.SubmitOrder(context.Background(), items, "pos-1")
	if err != nil {
		return err
	}
	c.orderID = id
	c.h.svc.Wait()
	return c.observe()
}

func (c *fulfillmentTestContext) theStationReports(station, status string) error {
	st, err := domain.ParseStation(station)
	if err != nil {
		return err
	}
	to, err := domain.ParseTaskStatus(status)
	if err != nil {
		return err
	}
	c.lastAck, c.lastErr = c.h.svc.ReportStationStatus(context.Background(), c.orderID, st, to,
		domain.TransitionToken(c.orderID, st, to))
	return c.observe()
}

var walkOrder = []domain.TaskStatus{domain.TaskInProgress, domain.TaskReady, domain.TaskCollected}

func (c *fulfillmentTestContext) theStationWalksItsTaskTo(station, status string) error {
	target, err := domain.ParseTaskStatus(status)
	if err != nil {
		return err
	}
	for _, to := range walkOrder {
		t, err := c.task(station)
		if err != nil {
			return err
		}
		if t.Status == target {
			return nil
		}
		if domain.CheckTransition(t.Status, to) != nil {
			continue
		}
		if err := c.theStationReports(station, string(to)); err != nil {
			return err
		}
		if c.lastErr != nil {
			return c.lastErr
		}
	}
	t, err := c.task(station)
	if err != nil {
		return err
	}
	if t.Status != target {
		return fmt.Errorf("%s task stopped at %s", station, t.Status)
	}
	return nil
}

func (c *fulfillmentTestContext) theTaskIs(station, status string) error {
	t, err := c.task(station)
	if err != nil {
		return err
	}
	if string(t.Status) != status {
		return fmt.Errorf("%s task is %s, want %s", station, t.Status, status)
	}
	return nil
}

func (c *fulfillmentTestContext) theOrderStatusIs(status string) error {
	v, err := c.h.svc.GetOrderStatus(context.Background(), c.orderID)
	if err != nil {
		return err
	}
	if string(v.Aggregate) != status {
		return fmt.Errorf("order status is %s, want %s", v.Aggregate, status)
	}
	return nil
}

func (c *fulfillmentTestContext) theOrderStatusNeverWentBackwards() error {
	for i := 1; i < len(c.observed); i++ {
		if c.observed[i].Rank() < c.observed[i-1].Rank() {
			return fmt.Errorf("order status went %s -> %s", c.observed[i-1], c.observed[i])
		}
	}
	return nil
}

func (c *fulfillmentTestContext) stationMessagesWerePublished(n int) error {
	if got := len(c.h.pub.sent()); got != n {
		return fmt.Errorf("%d station messages published, want %d", got, n)
	}
	return nil
}

func (c *fulfillmentTestContext) theOrderHasOnlyATask(station string) error {
	tasks, err := c.h.store.GetTasks(context.Background(), c.orderID)
	if err != nil {
		return err
	}
	if len(tasks) != 1 || string(tasks[0].Station) != station {
		return fmt.Errorf("tasks = %+v, want a single %s task", tasks, station)
	}
	return nil
}

func (c *fulfillmentTestContext) theReportIsAcknowledgedAsADuplicate() error {
	if c.lastErr != nil {
		return fmt.Errorf("report failed: %w", c.lastErr)
	}
	if c.lastAck.Applied {
		return errors.New("report was applied")
	}
	return nil
}

func (c *fulfillmentTestContext) theReportIsRejectedAsAnInvalidTransition() error {
	if !errors.Is(c.lastErr, domain.ErrInvalidTransition) {
		return fmt.Errorf("report error = %v, want invalid transition", c.lastErr)
	}
	return nil
}

func (c *fulfillmentTestContext) theBrokerRejectsEveryPublish() error {
	c.h.pub.setFail(1 << 20)
	return nil
}

func (c *fulfillmentTestContext) theBrokerRecovers() error {
	c.h.pub.setFail(0)
	return nil
}

func (c *fulfillmentTestContext) theGracePeriodPassesAndTheRepublisherSweeps() error {
	c.h.clock.Advance(time.Hour)
	_, err := c.h.svc.RepublishPending(context.Background())
	return err
}

func (c *fulfillmentTestContext) anOperationalAlertWasRaised(action string) error {
	for _, a := range c.h.alerts.all() {
		if a.Action == action && a.OrderID == c.orderID {
			return nil
		}
	}
	return fmt.Errorf("no %q alert for order %s", action, c.orderID)
}

func (c *fulfillmentTestContext) theTaskPublishFlag(station, state string) error {
	t, err := c.task(station)
	if err != nil {
		return err
	}
	if want := state == "published"; t.Published != want {
		return fmt.Errorf("%s task published=%v, want %s", station, t.Published, state)
	}
	return nil
}

func (c *fulfillmentTestContext) theOrderIsCancelled() error {
	if _, err := c.h.svc.CancelOrder(context.Background(), c.orderID, "cancel-1"); err != nil {
		return err
	}
	return c.observe()
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &fulfillmentTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	ctx.Step(`^the point of sale submits an order with:$`, tc.thePointOfSaleSubmitsAnOrderWith)
	ctx.Step(`^the broker rejects every publish$`, tc.theBrokerRejectsEveryPublish)
	ctx.Step(`^the broker recovers$`, tc.theBrokerRecovers)
	ctx.Step(`^the (kitchen|barista) station walks its task to (\w+)$`, tc.theStationWalksItsTaskTo)
	ctx.Step(`^the (kitchen|barista) station reports (\w+)$`, tc.theStationReports)
	ctx.Step(`^the (kitchen|barista) station redelivers its (\w+) report$`, tc.theStationReports)
	ctx.Step(`^the grace period passes and the re-publisher sweeps$`, tc.theGracePeriodPassesAndTheRepublisherSweeps)
	ctx.Step(`^the order is cancelled$`, tc.theOrderIsCancelled)

	ctx.Step(`^the (kitchen|barista) task is (published|unpublished)$`, tc.theTaskPublishFlag)
	ctx.Step(`^the (kitchen|barista) task is (pending|in_progress|ready|collected|cancelled)$`, tc.theTaskIs)
	ctx.Step(`^the order status is (\w+)$`, tc.theOrderStatusIs)
	ctx.Step(`^the order status never went backwards$`, tc.theOrderStatusNeverWentBackwards)
	ctx.Step(`^(\d+) station messages? (?:was|were) published$`, tc.stationMessagesWerePublished)
	ctx.Step(`^the order has only a (kitchen|barista) task$`, tc.theOrderHasOnlyATask)
	ctx.Step(`^the report is acknowledged as a duplicate$`, tc.theReportIsAcknowledgedAsADuplicate)
	ctx.Step(`^the report is rejected as an invalid transition$`, tc.theReportIsRejectedAsAnInvalidTransition)
	ctx.Step(`^an operational alert "([^"]*)" was raised$`, tc.anOperationalAlertWasRaised)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
