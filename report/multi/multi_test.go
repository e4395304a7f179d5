package multi

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozontech/quicreq/report"
	"github.com/ozontech/quicreq/report/jsonl"
	"github.com/ozontech/quicreq/report/noop"
	"github.com/ozontech/quicreq/report/phout"
)

func TestMulti(t *testing.T) {
	t.Parallel()
	var jsonOut, phoutOut bytes.Buffer
	m := New(jsonl.New(&jsonOut), phout.New(&phoutOut, time.Second), noop.New())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run() }()

	start := time.Now()
	m.Report(report.Result{Tag: "/x", Status: 200, Start: start, End: start})
	require.NoError(t, m.Close())
	require.NoError(t, <-errCh)

	assert.Contains(t, jsonOut.String(), `"tag":"/x"`)
	assert.Contains(t, phoutOut.String(), "\t/x\t")
	assert.Contains(t, phoutOut.String(), "http_200\n")
}
