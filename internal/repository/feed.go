package repository

import (
	"sync"

	"github.com/rs/zerolog"

	"taskflow/internal/logging"
	"taskflow/internal/model"
)

const subscriberBuffer = 64

// ChangeFeed fans row change events out to subscribers. Each subscriber is
// served by its own goroutine so a slow handler never blocks a writer.
type ChangeFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	log    zerolog.Logger
}

type subscriber struct {
	tables map[string]struct{}
	ch     chan model.ChangeEvent
	done   chan struct{}
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		subs: make(map[int]*subscriber),
		log:  logging.Component("feed"),
	}
}

// Subscribe calls fn for every event on one of tables. The returned function
// unsubscribes and waits for the delivery goroutine to exit.
func (f *ChangeFeed) Subscribe(tables []string, fn func(model.ChangeEvent)) func() {
	sub := &subscriber{
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan model.ChangeEvent, subscriberBuffer),
		done:   make(chan struct{}),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(sub.ch)
			f.mu.Unlock()
			<-sub.done
		})
	}
}

// Publish delivers events to interested subscribers without blocking. When a
// subscriber's buffer is full the event is dropped for that subscriber.
func (f *ChangeFeed) Publish(events ...model.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ev := range events {
		for _, sub := range f.subs {
			if _, ok := sub.tables[ev.Table]; !ok {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				f.log.Warn().Str("table", ev.Table).Str("row_id", ev.RowID).Msg("subscriber buffer full, dropping event")
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
