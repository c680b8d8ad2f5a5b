package quic

import (
	"errors"

	"github.com/quic-dev/quix/internal/diet"
	"github.com/quic-dev/quix/internal/protocol"
)

// The frameSorter reassembles a stream from STREAM frames received out of order.
// Received byte ranges are tracked in an interval set.
// Exact duplicates and fully covered ranges are dropped silently.
// Ranges that start before the current read offset are trimmed to the
// unread part. Ranges that partially overlap queued data are rejected,
// the peer has to retransmit them with the original framing.
type frameSorter struct {
	queue    map[protocol.ByteCount]frameSorterEntry
	readPos  protocol.ByteCount
	received diet.Set
}

type frameSorterEntry struct {
	Data   []byte
	DoneCb func()
}

var errTooManyGapsInReceivedStreamData = errors.New("too many gaps in received stream data")

func newFrameSorter() frameSorter {
	return frameSorter{queue: make(map[protocol.ByteCount]frameSorterEntry)}
}

// Push inserts the data at the given offset.
// The callback is called when the data is no longer needed,
// either because it was delivered to the application or because it was dropped.
func (s *frameSorter) Push(data []byte, offset protocol.ByteCount, doneCb func()) error {
	if len(data) == 0 {
		if doneCb != nil {
			doneCb()
		}
		return nil
	}
	start := uint64(offset)
	end := uint64(offset) + uint64(len(data)) - 1

	if offset+protocol.ByteCount(len(data)) <= s.readPos {
		// data that was already read
		if doneCb != nil {
			doneCb()
		}
		return nil
	}
	if offset < s.readPos {
		// the frame straddles the read offset, only the unread part is new
		data = data[s.readPos-offset:]
		offset = s.readPos
		start = uint64(offset)
	}
	if s.isCovered(start, end) {
		// duplicate of data that was already received
		if doneCb != nil {
			doneCb()
		}
		return nil
	}
	if s.overlaps(start, end) {
		// partial overlap with previously received data
		if doneCb != nil {
			doneCb()
		}
		return nil
	}

	s.received.AddRange(start, end)
	if s.received.NumIntervals() > protocol.MaxStreamFrameSorterGaps {
		return errTooManyGapsInReceivedStreamData
	}
	s.queue[offset] = frameSorterEntry{Data: data, DoneCb: doneCb}
	return nil
}

// isCovered says if [start, end] is fully contained in the received set.
func (s *frameSorter) isCovered(start, end uint64) bool {
	for _, in := range s.received.Ascending() {
		if in.Start > start {
			return false
		}
		if end <= in.End {
			return true
		}
	}
	return false
}

// overlaps says if [start, end] intersects any received interval.
func (s *frameSorter) overlaps(start, end uint64) bool {
	for _, in := range s.received.Ascending() {
		if in.Start > end {
			return false
		}
		if in.End >= start {
			return true
		}
	}
	return false
}

// Pop returns the next contiguous chunk of the stream, if available.
func (s *frameSorter) Pop() (protocol.ByteCount, []byte, func()) {
	entry, ok := s.queue[s.readPos]
	if !ok {
		return s.readPos, nil, nil
	}
	delete(s.queue, s.readPos)
	offset := s.readPos
	s.readPos += protocol.ByteCount(len(entry.Data))
	if !s.received.Empty() {
		s.received.DeleteBelow(uint64(s.readPos))
	}
	return offset, entry.Data, entry.DoneCb
}

// HasMoreData says if there is any data queued, in order or not.
func (s *frameSorter) HasMoreData() bool {
	return len(s.queue) > 0
}
