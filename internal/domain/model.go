package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Station string

const (
	StationKitchen Station = "kitchen"
	StationBarista Station = "barista"
)

// Stations lists every station in display order.
var Stations = []Station{StationKitchen, StationBarista}

func ParseStation(s string) (Station, error) {
	switch Station(strings.ToLower(strings.TrimSpace(s))) {
	case StationKitchen:
		return StationKitchen, nil
	case StationBarista:
		return StationBarista, nil
	}
	return "", fmt.Errorf("%w: unknown station %q", ErrValidation, s)
}

func (s Station) order() int {
	for i, v := range Stations {
		if v == s {
			return i
		}
	}
	return len(Stations)
}

// Affinity says which station prepares a line item.
type Affinity string

const (
	AffinityFood     Affinity = "food"
	AffinityBeverage Affinity = "beverage"
)

// ParseAffinity accepts the canonical names plus "drink" and the station
// names themselves.
func ParseAffinity(s string) (Affinity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "food", "kitchen":
		return AffinityFood, true
	case "beverage", "drink", "barista":
		return AffinityBeverage, true
	}
	return "", false
}

func (a Affinity) Station() Station {
	if a == AffinityBeverage {
		return StationBarista
	}
	return StationKitchen
}

// Catalog resolves a product reference to its affinity when the caller did
// not send one.
type Catalog map[string]Affinity

func NewCatalog(raw map[string]string) (Catalog, error) {
	c := make(Catalog, len(raw))
	for ref, aff := range raw {
		a, ok := ParseAffinity(aff)
		if !ok {
			return nil, fmt.Errorf("catalog entry %q: unknown affinity %q", ref, aff)
		}
		c[ref] = a
	}
	return c, nil
}

type LineItem struct {
	Ref        string   `json:"ref"`
	ProductRef string   `json:"product_ref"`
	Quantity   int      `json:"quantity"`
	Affinity   Affinity `json:"affinity"`
}

type Order struct {
	ID         string
	Items      []LineItem
	PaymentRef string
	CreatedAt  time.Time
}

// ItemsFor returns the order's items whose refs are listed in refs, in order
// position.
func (o Order) ItemsFor(refs []string) []LineItem {
	want := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		want[r] = struct{}{}
	}
	out := make([]LineItem, 0, len(refs))
	for _, it := range o.Items {
		if _, ok := want[it.Ref]; ok {
			out = append(out, it)
		}
	}
	return out
}

type StationTask struct {
	OrderID   string
	Station   Station
	ItemRefs  []string
	Status    TaskStatus
	LastToken string
	Version   int64
	Published bool
	UpdatedAt time.Time
}

// Transition is one applied status change of a task.
type Transition struct {
	OrderID string     `json:"order_id"`
	Station Station    `json:"station"`
	Token   string     `json:"idempotency_token"`
	From    TaskStatus `json:"from"`
	To      TaskStatus `json:"to"`
	At      time.Time  `json:"at"`
}

// BuildTasks creates one Pending task per distinct station present among the
// order's items.
func BuildTasks(o Order) []StationTask {
	byStation := make(map[Station]*StationTask)
	for _, it := range o.Items {
		st := it.Affinity.Station()
		t, ok := byStation[st]
		if !ok {
			t = &StationTask{
				OrderID:   o.ID,
				Station:   st,
				Status:    TaskPending,
				UpdatedAt: o.CreatedAt,
			}
			byStation[st] = t
		}
		t.ItemRefs = append(t.ItemRefs, it.Ref)
	}
	tasks := make([]StationTask, 0, len(byStation))
	for _, t := range byStation {
		tasks = append(tasks, *t)
	}
	SortTasks(tasks)
	return tasks
}

func SortTasks(tasks []StationTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Station.order() < tasks[j].Station.order() })
}

func ItemRef(orderID string, index int) string {
	return fmt.Sprintf("%s:%d", orderID, index)
}
