package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/go-asyncbridge/reactor"
	"github.com/joeycumines/go-asyncbridge/transfer"
	"github.com/joeycumines/go-asyncbridge/transfer/transfertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type waitResult struct {
	n    int
	code transfer.MultiCode
	err  error
	done bool
}

func wait(t *testing.T, s *async.Scheduler, m *transfer.Multi, timeout time.Duration, order *[]string, name string) (*async.Coroutine, *waitResult) {
	t.Helper()
	res := new(waitResult)
	co, err := s.Spawn(context.Background(), func(ctx context.Context) error {
		res.n, res.code, res.err = m.Wait(ctx, timeout)
		res.done = true
		if order != nil {
			*order = append(*order, name)
		}
		return nil
	})
	require.NoError(t, err)
	return co, res
}

func newMulti(t *testing.T, s *async.Scheduler, e *transfertest.Engine) *transfer.Multi {
	t.Helper()
	m, err := transfer.NewMulti(s, e)
	require.NoError(t, err)
	return m
}

func TestNewMulti_Validation(t *testing.T) {
	s, _ := newHarness(t)
	_, err := transfer.NewMulti(nil, transfertest.New())
	assert.Error(t, err)
	_, err = transfer.NewMulti(s, nil)
	assert.ErrorIs(t, err, transfer.ErrNilEngine)
}

func TestMulti_WaitBroadcastInOrder(t *testing.T) {
	s, r := newHarness(t)
	e := transfertest.New()
	m := newMulti(t, s, e)
	var order []string
	_, first := wait(t, s, m, -1, &order, "first")
	_, second := wait(t, s, m, -1, &order, "second")
	r.RunPending()
	require.False(t, first.done)
	require.False(t, second.done)
	// each wait drove the engine once
	assert.Len(t, e.Actions(), 2)

	assert.Equal(t, transfer.MultiOK, e.Watch(nil, 3, transfer.PollIn))
	assert.Equal(t, transfer.MultiOK, e.Watch(nil, 4, transfer.PollOut))
	assert.Equal(t, 2, m.Sockets())

	require.True(t, r.Trigger(3, reactor.EventRead))
	require.True(t, r.Trigger(3, reactor.EventRead))
	require.True(t, r.Trigger(4, reactor.EventWrite))
	require.False(t, first.done)

	e.Watch(nil, 3, transfer.PollRemove)
	r.RunPending()
	require.False(t, first.done)

	e.Watch(nil, 4, transfer.PollRemove)
	r.RunPending()
	require.True(t, first.done)
	require.True(t, second.done)
	assert.Equal(t, []string{"first", "second"}, order)
	for _, res := range []*waitResult{first, second} {
		assert.NoError(t, res.err)
		assert.Equal(t, transfer.MultiOK, res.code)
		assert.Equal(t, 2, res.n)
	}

	// the ready set starts over
	_, third := wait(t, s, m, -1, nil, "")
	r.RunPending()
	e.Watch(nil, 3, transfer.PollIn)
	e.Watch(nil, 3, transfer.PollRemove)
	r.RunPending()
	require.True(t, third.done)
	assert.Zero(t, third.n)
}

func TestMulti_WaitTimeout(t *testing.T) {
	s, r := newHarness(t)
	e := transfertest.New()
	m := newMulti(t, s, e)
	_, res := wait(t, s, m, 50*time.Millisecond, nil, "")
	r.RunPending()
	e.Watch(nil, 6, transfer.PollIn)
	r.Advance(49 * time.Millisecond)
	require.False(t, res.done)
	r.Advance(time.Millisecond)
	require.True(t, res.done)
	assert.NoError(t, res.err)
	assert.Equal(t, transfer.MultiOK, res.code)
	assert.Zero(t, res.n)
	// the socket is still the engine's
	assert.Equal(t, 1, r.FDCount())
}

func TestMulti_WaitCancelled(t *testing.T) {
	s, r := newHarness(t)
	m := newMulti(t, s, transfertest.New())
	co, res := wait(t, s, m, -1, nil, "")
	r.RunPending()
	co.Cancel(nil)
	r.RunPending()
	require.True(t, res.done)
	assert.Equal(t, transfer.MultiInternalError, res.code)
	assert.ErrorIs(t, res.err, async.ErrCancelled)
}

func TestMulti_WaitCancelledAtTimeout(t *testing.T) {
	s, r := newHarness(t)
	m := newMulti(t, s, transfertest.New())
	co, res := wait(t, s, m, 50*time.Millisecond, nil, "")
	r.RunPending()
	co.Cancel(nil)
	r.Advance(50 * time.Millisecond)
	require.True(t, res.done)
	assert.Equal(t, transfer.MultiInternalError, res.code)
	assert.ErrorIs(t, res.err, async.ErrCancelled)
	assert.Zero(t, res.n)
}

func TestMulti_WaitNoCoroutine(t *testing.T) {
	s, _ := newHarness(t)
	m := newMulti(t, s, transfertest.New())
	_, code, err := m.Wait(context.Background(), time.Second)
	assert.Equal(t, transfer.MultiBadHandle, code)
	assert.ErrorIs(t, err, async.ErrNoCoroutine)
}

func TestMulti_Perform(t *testing.T) {
	s, _ := newHarness(t)
	e := transfertest.New()
	m := newMulti(t, s, e)
	require.NoError(t, e.Add(&handle{"a"}))
	require.NoError(t, e.Add(&handle{"b"}))

	running, code := m.Perform(context.Background())
	assert.Equal(t, transfer.MultiOK, code)
	assert.Equal(t, 2, running)
	assert.Equal(t, []transfertest.ActionCall{{FD: transfer.SocketTimeout}}, e.Actions())

	e.ActionErr = transfer.MultiBadSocket
	_, code = m.Perform(context.Background())
	assert.Equal(t, transfer.MultiBadSocket, code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, code = m.Perform(ctx)
	assert.Equal(t, transfer.MultiInternalError, code)

	m.Close()
	_, code = m.Perform(context.Background())
	assert.Equal(t, transfer.MultiBadHandle, code)
}

func TestMulti_CloseTearsDown(t *testing.T) {
	s, r := newHarness(t)
	e := transfertest.New()
	m := newMulti(t, s, e)
	_, res := wait(t, s, m, time.Hour, nil, "")
	r.RunPending()
	e.Watch(nil, 3, transfer.PollIn)
	e.Watch(nil, 4, transfer.PollInOut)
	e.Timeout(time.Second)
	assert.Equal(t, 2, r.FDCount())
	assert.Equal(t, 2, r.TimerCount())

	m.Close()
	r.RunPending()
	require.True(t, res.done)
	assert.Equal(t, transfer.MultiBadHandle, res.code)
	assert.ErrorIs(t, res.err, transfer.ErrClosed)

	assert.Zero(t, r.FDCount())
	assert.Zero(t, r.TimerCount())
	stats := r.Stats()
	assert.Equal(t, stats.Registered, stats.Unregistered)
	socket, timer := e.HasHooks()
	assert.False(t, socket)
	assert.False(t, timer)

	m.Close()
	_, late := wait(t, s, m, -1, nil, "")
	r.RunPending()
	require.True(t, late.done)
	assert.ErrorIs(t, late.err, transfer.ErrClosed)
}

func TestMulti_CloseUnused(t *testing.T) {
	s, r := newHarness(t)
	e := transfertest.New()
	m := newMulti(t, s, e)
	m.Close()
	assert.Zero(t, r.Stats().Registered)
	socket, _ := e.HasHooks()
	assert.False(t, socket)
}
