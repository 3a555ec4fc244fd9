package coordination

import "sync"

// Notifier runs watch callbacks one at a time, in the order they were
// posted, on a single goroutine. Each store session owns one.
type Notifier struct {
	mu       sync.Mutex
	queue    []notification
	stopping bool
	signal   chan struct{}
	done     chan struct{}
}

type notification struct {
	fn    Watcher
	event Event
}

func NewNotifier() *Notifier {
	n := &Notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Post queues ev for w. Posts after Close are dropped.
func (n *Notifier) Post(w Watcher, ev Event) {
	if w == nil {
		return
	}
	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, notification{fn: w, event: ev})
	n.mu.Unlock()
	n.wake()
}

// Close stops accepting posts. Callbacks already queued still run.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.stopping = true
	n.mu.Unlock()
	n.wake()
}

// Done is closed once the queue has drained after Close.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) wake() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.stopping {
			n.mu.Unlock()
			<-n.signal
			n.mu.Lock()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, p := range batch {
			p.fn(p.event)
		}
	}
}
