package session

import (
	"time"

	"github.com/ozontech/quicreq/protocol"
)

type timeoutQueueItem struct {
	streamID protocol.StreamID
	deadline time.Time
}

// timeoutSliceQueue holds response deadlines. The timeout is the same for
// every stream, so the slice is always ordered by deadline.
type timeoutSliceQueue struct {
	timeout time.Duration
	queue   []timeoutQueueItem
}

func newTimeoutSliceQueue(timeout time.Duration) *timeoutSliceQueue {
	return &timeoutSliceQueue{
		timeout: timeout,
		queue:   make([]timeoutQueueItem, 0, 10),
	}
}

func (q *timeoutSliceQueue) Add(streamID protocol.StreamID, now time.Time) {
	q.queue = append(q.queue, timeoutQueueItem{streamID, now.Add(q.timeout)})
}

// PopExpired removes and returns the streams whose deadline is not after now.
// Streams that closed in time are returned too; the caller skips them.
func (q *timeoutSliceQueue) PopExpired(now time.Time) []protocol.StreamID {
	var expired []protocol.StreamID
	i := 0
	for ; i < len(q.queue) && !q.queue[i].deadline.After(now); i++ {
		expired = append(expired, q.queue[i].streamID)
	}
	q.queue = q.queue[i:]
	return expired
}

func (q *timeoutSliceQueue) Len() int { return len(q.queue) }
