package instance

import "sync"

// boundedQueue is a FIFO of messages with a hard capacity. Pushing into
// a full queue drops the oldest entry and reports it so callers can emit
// a queue_overflow audit event.
type boundedQueue struct {
	mu    sync.Mutex
	items []Message
	cap   int
}

func newBoundedQueue(capacity int) *boundedQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedQueue{cap: capacity}
}

// push appends msg. If the queue is full the oldest message is evicted
// and returned with dropped=true.
func (q *boundedQueue) push(msg Message) (dropped Message, wasDropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		dropped = q.items[0]
		wasDropped = true
		q.items = append(q.items[:0], q.items[1:]...)
	}
	q.items = append(q.items, msg)
	return dropped, wasDropped
}

// drain removes and returns all queued messages in FIFO order.
func (q *boundedQueue) drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *boundedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PushInbox enqueues a message on the inbox, returning the evicted
// message if the queue overflowed.
func (i *Instance) PushInbox(msg Message) (Message, bool) {
	return i.inbox.push(msg)
}

// DrainInbox removes and returns all inbox messages.
func (i *Instance) DrainInbox() []Message {
	return i.inbox.drain()
}

// PushReply enqueues a reply for later drain by get_pending_replies.
func (i *Instance) PushReply(msg Message) (Message, bool) {
	return i.replyQueue.push(msg)
}

// DrainReplies removes and returns all pending replies.
func (i *Instance) DrainReplies() []Message {
	return i.replyQueue.drain()
}

// paneRing keeps the most recent pane captures so status reporting can
// serve a tail without hitting tmux again.
type paneRing struct {
	mu    sync.Mutex
	slots []string
	next  int
	count int
}

func newPaneRing(size int) *paneRing {
	if size <= 0 {
		size = 1
	}
	return &paneRing{slots: make([]string, size)}
}

func (r *paneRing) add(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[r.next] = text
	r.next = (r.next + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
}

func (r *paneRing) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return ""
	}
	idx := (r.next - 1 + len(r.slots)) % len(r.slots)
	return r.slots[idx]
}
