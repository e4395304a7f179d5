package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstant(t *testing.T) {
	t.Parallel()
	c, err := NewConstant(10)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), c.Next(0))
	assert.Equal(t, 300*time.Millisecond, c.Next(3))

	_, err = NewConstant(0)
	assert.Error(t, err)
}

func TestRamp(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r, err := NewRamp(0, 10, 2*time.Second)
	require.NoError(t, err)
	a.Equal(time.Duration(0), r.Next(0))
	a.InDelta(1414*time.Millisecond, r.Next(5), float64(time.Millisecond))
	a.InDelta(2*time.Second, r.Next(10), float64(time.Millisecond))
	a.InDelta(2500*time.Millisecond, r.Next(15), float64(time.Millisecond))

	flat, err := NewRamp(10, 10, time.Second)
	require.NoError(t, err)
	a.InDelta(500*time.Millisecond, flat.Next(5), float64(time.Microsecond))

	down, err := NewRamp(10, 0, time.Second)
	require.NoError(t, err)
	a.Equal(time.Second, down.Next(100))

	_, err = NewRamp(0, 0, time.Second)
	a.Error(err)
	_, err = NewRamp(1, 2, 0)
	a.Error(err)
}

func TestParse(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   string
		want Scheduler
	}{
		{"", Unlimited{}},
		{"unlimited", Unlimited{}},
		{"const(4)", Constant{250 * time.Millisecond}},
	} {
		s, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, s, tc.in)
	}

	s, err := Parse("line(1, 3, 2s)")
	require.NoError(t, err)
	assert.IsType(t, Ramp{}, s)

	for _, bad := range []string{"const", "const(x)", "const(1,2)", "line(1,2)", "line(1,2,x)", "poisson(3)"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
