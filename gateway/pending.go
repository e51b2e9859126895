package gateway

import "errors"

// Enqueue failures name the close reason sent to the client. Known-class
// overflow closes 1009, unknown-class overflow closes 1002.
var (
	errPendingOverflow = errors.New("pending overflow")
	errUnknownOverflow = errors.New("invalid packet")
)

// pendingQueue buffers frames received before the bridge is up. It is one
// FIFO queue; frames that failed to decode ("unknown") are counted against
// their own tighter limits in addition to the shared ones.
type pendingQueue struct {
	maxMessages        int
	maxBytes           int
	maxUnknownMessages int
	maxUnknownBytes    int

	frames [][]byte
	bytes  int

	unknownMessages int
	unknownBytes    int
}

func newPendingQueue(cfg Config) *pendingQueue {
	return &pendingQueue{
		maxMessages:        cfg.MaxPendingMessages,
		maxBytes:           cfg.MaxPendingBytes,
		maxUnknownMessages: cfg.MaxPendingUnknownMessages,
		maxUnknownBytes:    cfg.MaxPendingUnknownBytes,
	}
}

// add enqueues a frame, or returns the overflow error naming which budget
// the frame would have exceeded.
func (q *pendingQueue) add(frame []byte, unknown bool) error {
	if unknown {
		if q.unknownMessages+1 > q.maxUnknownMessages {
			return errUnknownOverflow
		}
		if q.unknownBytes+len(frame) > q.maxUnknownBytes {
			return errUnknownOverflow
		}
	}
	if len(q.frames)+1 > q.maxMessages {
		return errPendingOverflow
	}
	if q.bytes+len(frame) > q.maxBytes {
		return errPendingOverflow
	}
	q.frames = append(q.frames, frame)
	q.bytes += len(frame)
	if unknown {
		q.unknownMessages++
		q.unknownBytes += len(frame)
	}
	return nil
}

// drain returns the buffered frames in arrival order and empties the queue.
func (q *pendingQueue) drain() [][]byte {
	frames := q.frames
	q.frames = nil
	q.bytes = 0
	q.unknownMessages = 0
	q.unknownBytes = 0
	return frames
}

func (q *pendingQueue) len() int { return len(q.frames) }
