package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/faults"
)

func TestAutoApprove(t *testing.T) {
	h := AutoApproveHandler{}
	resp, err := h.RequestApproval(context.Background(), Request{WorkflowID: "wf-1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resp.Status)
	assert.False(t, h.IsInteractive())
}

func TestGateApprove(t *testing.T) {
	g := NewGate(zaptest.NewLogger(t))

	var (
		wg   sync.WaitGroup
		resp Response
		err  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err = g.RequestApproval(context.Background(),
			Request{ID: "apr-1", WorkflowID: "wf-1", TaskName: "deploy"}, time.Minute)
	}()

	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	pending := g.Pending()[0]
	assert.Equal(t, "apr-1", pending.ID)
	assert.Equal(t, "deploy", pending.TaskName)

	require.NoError(t, g.Resolve("apr-1", true, "looks good", "alice"))
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resp.Status)
	assert.Equal(t, "looks good", resp.Feedback)
	assert.Equal(t, "alice", resp.DecidedBy)
	assert.Empty(t, g.Pending())
}

func TestGateReject(t *testing.T) {
	g := NewGate(zaptest.NewLogger(t))

	done := make(chan Response, 1)
	go func() {
		resp, err := g.RequestApproval(context.Background(), Request{ID: "apr-2"}, time.Minute)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.Resolve("apr-2", false, "not on a friday", "bob"))

	resp := <-done
	assert.Equal(t, StatusRejected, resp.Status)
	assert.Equal(t, "not on a friday", resp.Feedback)
}

func TestGateTimeout(t *testing.T) {
	g := NewGate(zaptest.NewLogger(t))

	resp, err := g.RequestApproval(context.Background(), Request{ID: "apr-3"}, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.Timeout))
	assert.Equal(t, StatusTimedOut, resp.Status)

	// The abandoned request is gone; late decisions fail.
	err = g.Resolve("apr-3", true, "", "late")
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.NotFound))
}

func TestGateContextCancellation(t *testing.T) {
	g := NewGate(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := g.RequestApproval(ctx, Request{ID: "apr-4"}, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StatusCancelled, resp.Status)
	}()

	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, g.Pending())
}

func TestGateResolveUnknown(t *testing.T) {
	g := NewGate(nil)
	err := g.Resolve("nope", true, "", "")
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.NotFound))
}

func TestGatePendingOrderedByAge(t *testing.T) {
	g := NewGate(nil)

	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		req := Request{ID: id, RequestedAt: base.Add(time.Duration(2-i) * time.Second)}
		go g.RequestApproval(context.Background(), req, time.Minute) //nolint:errcheck
	}
	require.Eventually(t, func() bool { return len(g.Pending()) == 3 }, time.Second, 5*time.Millisecond)

	pending := g.Pending()
	assert.Equal(t, "b", pending[0].ID)
	assert.Equal(t, "a", pending[1].ID)
	assert.Equal(t, "c", pending[2].ID)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.Resolve(id, true, "", ""))
	}
}

func TestGateGeneratesID(t *testing.T) {
	g := NewGate(nil)

	go func() {
		require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
		id := g.Pending()[0].ID
		assert.NotEmpty(t, id)
		require.NoError(t, g.Resolve(id, true, "", ""))
	}()

	resp, err := g.RequestApproval(context.Background(), Request{WorkflowID: "wf"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resp.Status)
}
