package syncgroup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAndWait(t *testing.T) {
	g := NewSyncGroup()
	stop := make(chan struct{})
	g.Add("a", func() { <-stop })
	g.Add("b", func() { <-stop })
	g.Add("nil", nil)
	g.Run()

	assert.ElementsMatch(t, []string{"a", "b"}, g.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.WaitContext(ctx), context.DeadlineExceeded)

	close(stop)
	require.NoError(t, g.WaitContext(context.Background()))
	assert.Empty(t, g.Running())

	// Run 不会重复启动已启动的任务
	g.Run()
	g.Wait()
}
