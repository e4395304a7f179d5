// Package multi fans results out to several reporters.
package multi

import (
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/quicreq/report"
)

type Multi struct {
	nested []report.Reporter
}

var _ report.Reporter = (*Multi)(nil)

func New(nested ...report.Reporter) *Multi {
	return &Multi{nested}
}

func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for i := range m.nested {
		r := m.nested[i]
		g.Go(r.Run)
	}
	return g.Wait()
}

func (m *Multi) Close() error {
	g := new(errgroup.Group)
	for i := range m.nested {
		r := m.nested[i]
		g.Go(r.Close)
	}
	return g.Wait()
}

func (m *Multi) Report(res report.Result) {
	for _, r := range m.nested {
		r.Report(res)
	}
}
