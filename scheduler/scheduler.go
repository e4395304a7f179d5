// Package scheduler paces request sends.
package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Scheduler returns the offset from the start of a run at which the n-th
// request (counting from zero) may be sent.
type Scheduler interface {
	Next(n int) time.Duration
}

// Unlimited sends everything at once.
type Unlimited struct{}

func (Unlimited) Next(int) time.Duration { return 0 }

// Constant sends at a fixed rate.
type Constant struct {
	interval time.Duration
}

func NewConstant(rps float64) (Constant, error) {
	if rps <= 0 || math.IsInf(rps, 0) || math.IsNaN(rps) {
		return Constant{}, fmt.Errorf("rate must be positive, got %v", rps)
	}
	return Constant{time.Duration(float64(time.Second) / rps)}, nil
}

func (c Constant) Next(n int) time.Duration {
	return time.Duration(n) * c.interval
}

// Ramp changes the rate linearly from one value to another over d and keeps
// the final rate afterwards.
type Ramp struct {
	from, to float64
	// slope in requests per second squared
	a   float64
	d   time.Duration
	atD float64 // requests sent by d
}

func NewRamp(from, to float64, d time.Duration) (Ramp, error) {
	if from < 0 || to < 0 || from+to == 0 {
		return Ramp{}, fmt.Errorf("ramp %v..%v: rates must be non-negative and not both zero", from, to)
	}
	if d <= 0 {
		return Ramp{}, fmt.Errorf("ramp duration must be positive, got %s", d)
	}
	secs := d.Seconds()
	return Ramp{
		from: from,
		to:   to,
		a:    (to - from) / secs,
		d:    d,
		atD:  (from + to) / 2 * secs,
	}, nil
}

func (r Ramp) Next(n int) time.Duration {
	x := float64(n)
	if x >= r.atD {
		if r.to == 0 {
			return r.d
		}
		return r.d + time.Duration((x-r.atD)/r.to*float64(time.Second))
	}
	// solve a/2*t^2 + from*t = n for t
	var t float64
	if r.a == 0 {
		t = x / r.from
	} else {
		t = (math.Sqrt(2*r.a*x+r.from*r.from) - r.from) / r.a
	}
	return time.Duration(t * float64(time.Second))
}

// Parse reads a schedule written as "unlimited", "const(RPS)" or
// "line(FROM,TO,DURATION)". An empty string is unlimited.
func Parse(s string) (Scheduler, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" || s == "unlimited" {
		return Unlimited{}, nil
	}
	name, args, ok := strings.Cut(s, "(")
	if !ok || !strings.HasSuffix(args, ")") {
		return nil, fmt.Errorf("schedule %q: expected name(args)", s)
	}
	parts := strings.Split(strings.TrimSuffix(args, ")"), ",")

	switch name {
	case "const":
		if len(parts) != 1 {
			return nil, fmt.Errorf("schedule %q: const takes one argument", s)
		}
		rps, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s, err)
		}
		return NewConstant(rps)
	case "line":
		if len(parts) != 3 {
			return nil, fmt.Errorf("schedule %q: line takes three arguments", s)
		}
		from, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s, err)
		}
		to, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s, err)
		}
		d, err := time.ParseDuration(parts[2])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s, err)
		}
		return NewRamp(from, to, d)
	default:
		return nil, fmt.Errorf("schedule %q: unknown kind %q", s, name)
	}
}
