package session

import (
	"slices"

	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/stream"
)

type streamEntry struct {
	stream    *stream.RequestStream
	transport stream.Transport
}

// streamsMapUnlocked is the session's stream table. Only the event loop
// goroutine touches it.
type streamsMapUnlocked map[protocol.StreamID]*streamEntry

func newStreamsMapUnlocked(size int) streamsMapUnlocked {
	return make(streamsMapUnlocked, size)
}

// Each visits the entries in id order. fn may delete entries.
func (m streamsMapUnlocked) Each(fn func(*streamEntry)) {
	ids := make([]protocol.StreamID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if e, ok := m[id]; ok {
			fn(e)
		}
	}
}

func (m streamsMapUnlocked) Set(id protocol.StreamID, e *streamEntry) { m[id] = e }
func (m streamsMapUnlocked) Get(id protocol.StreamID) *streamEntry    { return m[id] }
func (m streamsMapUnlocked) Delete(id protocol.StreamID)              { delete(m, id) }
func (m streamsMapUnlocked) Len() int                                 { return len(m) }

func (m streamsMapUnlocked) GetAndDelete(id protocol.StreamID) *streamEntry {
	e := m.Get(id)
	if e != nil {
		m.Delete(id)
	}
	return e
}
