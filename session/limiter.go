package session

import "math"

// limiter admits streams up to a quota. Everything runs on the event loop
// goroutine, so admission never blocks: the caller asks first and acquires
// only once the stream really exists.
type limiter interface {
	Available() bool
	Acquire()
	Release()
	InUse() uint32
	Limit() uint32
	SetLimit(quota uint32)
}

// newLimiter treats quota = 0 as unlimited.
func newLimiter(quota uint32) limiter {
	if quota == 0 {
		return &noopLimiter{}
	}
	return &quotaLimiter{quota: quota}
}

type noopLimiter struct {
	inUse uint32
}

func (l *noopLimiter) Available() bool { return true }
func (l *noopLimiter) Acquire()        { l.inUse++ }
func (l *noopLimiter) Release()        { l.inUse-- }
func (l *noopLimiter) InUse() uint32   { return l.inUse }
func (l *noopLimiter) Limit() uint32   { return math.MaxUint32 }
func (l *noopLimiter) SetLimit(uint32) {}

type quotaLimiter struct {
	quota uint32
	inUse uint32
}

func (l *quotaLimiter) Available() bool { return l.inUse < l.quota }

func (l *quotaLimiter) Acquire() {
	if !l.Available() {
		panic("assertion error: stream quota exceeded")
	}
	l.inUse++
}

func (l *quotaLimiter) Release() {
	if l.inUse == 0 {
		panic("assertion error: stream quota released twice")
	}
	l.inUse--
}

func (l *quotaLimiter) InUse() uint32 { return l.inUse }
func (l *quotaLimiter) Limit() uint32 { return l.quota }

// SetLimit never evicts: with quota below InUse no stream is admitted until
// enough of them close.
func (l *quotaLimiter) SetLimit(quota uint32) { l.quota = quota }
