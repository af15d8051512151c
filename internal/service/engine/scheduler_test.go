package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

type countingPass struct {
	scans  atomic.Int32
	sweeps atomic.Int32
}

func (c *countingPass) Scan(ctx context.Context) PassSummary {
	c.scans.Add(1)
	return PassSummary{}
}

func (c *countingPass) Sweep(ctx context.Context) PassSummary {
	c.sweeps.Add(1)
	return PassSummary{}
}

func TestScheduler_RunsPasses(t *testing.T) {
	pass := &countingPass{}
	s := NewScheduler(pass, logger.NewTestLogger())

	require.NoError(t, s.Start(context.Background(), "* * * * * *", "* * * * * *"))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return pass.scans.Load() > 0 && pass.sweeps.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_RejectsInvalidSpec(t *testing.T) {
	s := NewScheduler(&countingPass{}, logger.NewTestLogger())

	err := s.Start(context.Background(), "every five minutes", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan")
}
