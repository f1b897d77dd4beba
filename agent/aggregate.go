package agent

import (
	"sync"
	"time"

	"github.com/JammyGeeza/Archipelago-sub000/protocol"
)

// pendingItems accumulates one recipient's deliveries within a flush window.
type pendingItems struct {
	counts map[int64]int
	flags  int
}

// aggregator folds repeated item sends for the same recipient into one
// ItemMessage with per-item counts. Sends accumulate for a short window
// after the first one arrives, then flush as one message per recipient.
type aggregator struct {
	window time.Duration
	emit   func(protocol.ItemMessage)

	mu      sync.Mutex
	pending map[int]*pendingItems
	timer   *time.Timer
	stopped bool
}

func newAggregator(window time.Duration, emit func(protocol.ItemMessage)) *aggregator {
	return &aggregator{
		window:  window,
		emit:    emit,
		pending: make(map[int]*pendingItems),
	}
}

// add records one item send for the recipient and arms the flush timer if
// this is the first pending send.
func (g *aggregator) add(recipient int, itemID int64, flags int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}
	items := g.pending[recipient]
	if items == nil {
		items = &pendingItems{counts: make(map[int64]int)}
		g.pending[recipient] = items
	}
	items.counts[itemID]++
	items.flags |= flags

	if g.timer == nil {
		g.timer = time.AfterFunc(g.window, g.flush)
	}
}

// flush emits the pending counts, one ItemMessage per recipient.
func (g *aggregator) flush() {
	g.mu.Lock()
	pending := g.pending
	g.pending = make(map[int]*pendingItems)
	g.timer = nil
	emit := g.emit
	stopped := g.stopped
	g.mu.Unlock()

	if stopped {
		return
	}
	for recipient, items := range pending {
		emit(protocol.ItemMessage{Recipient: recipient, Items: items.counts, Flags: items.flags})
	}
}

// stop flushes whatever is pending and rejects further sends.
func (g *aggregator) stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	pending := g.pending
	g.pending = make(map[int]*pendingItems)
	g.stopped = true
	emit := g.emit
	g.mu.Unlock()

	for recipient, items := range pending {
		emit(protocol.ItemMessage{Recipient: recipient, Items: items.counts, Flags: items.flags})
	}
}
