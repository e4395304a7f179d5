// Package report defines the response result and the reporter contract.
// Reporter implementations live in the subpackages.
package report

import (
	"errors"
	"time"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/stream"
)

// Result is the outcome of one request stream.
type Result struct {
	StreamID protocol.StreamID
	Tag      string // request path
	Start    time.Time
	End      time.Time

	RequestSize int
	Status      int // 0 if no response headers arrived
	Headers     codec.Headers
	Body        []byte
	// Err is a stream.ResetError for reset streams or the connection error.
	Err error
}

// Reporter consumes results. Run blocks until Close is called and the
// pending results are written. Report may be called from any goroutine.
type Reporter interface {
	Run() error
	Close() error
	Report(Result)
}

// FromStream builds the result of a finished stream.
func FromStream(s *stream.RequestStream, tag string, requestSize int, start, end time.Time) Result {
	r := Result{
		StreamID:    s.ID(),
		Tag:         tag,
		Start:       start,
		End:         end,
		RequestSize: requestSize,
		Headers:     s.ResponseHeaders(),
		Body:        s.ResponseBody(),
		Err:         s.Err(),
	}
	if status, ok := s.Status(); ok {
		r.Status = status
	}
	return r
}

func (r Result) Duration() time.Duration { return r.End.Sub(r.Start) }

// OK reports a complete response with a non-error status.
func (r Result) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 400
}

// ResetCode returns the stream reset code if the stream was reset.
func (r Result) ResetCode() (protocol.ErrorCode, bool) {
	var rerr stream.ResetError
	if errors.As(r.Err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}
