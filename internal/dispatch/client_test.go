// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

func TestWaitQueueReleasesInArrivalOrder(t *testing.T) {
	var q waitQueue
	ws := make([]*waiter, 5)
	for i := range ws {
		ws[i] = q.enqueue()
	}
	openErr := errors.New("open failed")
	released := q.releaseAll(openErr)

	require.Len(t, released, 5)
	for i, w := range released {
		assert.Same(t, ws[i], w)
		assert.Equal(t, i, w.position)
		assert.Equal(t, i, w.released)
		assert.Same(t, openErr, <-w.done)
	}
	assert.Equal(t, 0, q.len())
}

func TestWaiterGivesUpOnContext(t *testing.T) {
	var q waitQueue
	w := q.enqueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.wait(ctx), context.Canceled)

	// a late release must not block
	q.releaseAll(nil)
}

func TestCacheGetOrCreateIsUniqueAndOpensOnce(t *testing.T) {
	const callers = 32
	factory := newFakeFactory()
	ch := factory.channel("a")
	ch.openGate = make(chan struct{})
	cache := NewChannelCache(discardLogger())

	clients := make([]*OutboundClient, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := cache.GetOrCreate(dkey("a"), factory)
			if err != nil {
				errs[i] = err
				return
			}
			clients[i] = c
			_, errs[i] = c.Send(context.Background(), core.NewMessage("x", nil), nil)
		}()
	}

	// every caller but the opener parks behind the open
	require.Eventually(t, func() bool {
		c, ok := cache.Lookup(dkey("a"))
		return ok && c.waiters.len() == callers-1
	}, 2*time.Second, time.Millisecond)
	close(ch.openGate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, clients[0], clients[i])
	}
	opens, _, _ := ch.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, factory.created["a"])
	assert.Equal(t, callers, ch.sendCount())
	assert.Equal(t, StateOpen, clients[0].State())
}

func TestFailedOpenGivesEveryWaiterTheSameError(t *testing.T) {
	const callers = 10
	factory := newFakeFactory()
	ch := factory.channel("a")
	ch.openGate = make(chan struct{})
	ch.openErr = core.Communication("open", errors.New("connection refused"))
	cache := NewChannelCache(discardLogger())

	client, err := cache.GetOrCreate(dkey("a"), factory)
	require.NoError(t, err)

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = client.Send(context.Background(), core.NewMessage("x", nil), nil)
		}()
	}
	require.Eventually(t, func() bool { return client.waiters.len() == callers-1 }, 2*time.Second, time.Millisecond)
	close(ch.openGate)
	wg.Wait()

	for _, err := range errs {
		assert.Same(t, ch.openErr, err)
	}
	assert.Equal(t, 0, ch.sendCount())
	assert.Equal(t, StateFaulted, client.State())
	assert.Equal(t, 0, cache.Len(), "failed client is evicted")

	// the next lookup builds a fresh client
	again, err := cache.GetOrCreate(dkey("a"), factory)
	require.NoError(t, err)
	assert.NotSame(t, client, again)
}

func TestOneWayShapesDropReplies(t *testing.T) {
	factory := newFakeFactory()
	factory.channel("a").reply = func(m *core.Message) *core.Message { return core.NewMessage("reply", nil) }
	factory.channel("r").reply = func(m *core.Message) *core.Message { return core.NewMessage("reply", m.Body) }
	cache := NewChannelCache(discardLogger())

	oneWay, err := cache.GetOrCreate(dkey("a"), factory)
	require.NoError(t, err)
	reply, err := oneWay.Send(context.Background(), core.NewMessage("x", nil), nil)
	require.NoError(t, err)
	assert.Nil(t, reply)

	twoWay, err := cache.GetOrCreate(rkey("r"), factory)
	require.NoError(t, err)
	reply, err = twoWay.Send(context.Background(), core.NewMessage("x", []byte("ping")), nil)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, []byte("ping"), reply.Body)
}

func TestDuplexStampsCallbackOnCopy(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())
	k1 := core.EndpointKey{Destination: "d", Shape: core.ShapeDuplex, Callback: "cb-1"}
	k2 := core.EndpointKey{Destination: "d", Shape: core.ShapeDuplex, Callback: "cb-2"}

	c1, err := cache.GetOrCreate(k1, factory)
	require.NoError(t, err)
	c2, err := cache.GetOrCreate(k2, factory)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	msg := core.NewMessage("x", nil)
	_, err = c1.Send(context.Background(), msg, nil)
	require.NoError(t, err)

	ch := factory.channel("d")
	require.Len(t, ch.sends, 1)
	assert.Equal(t, "cb-1", ch.sends[0].Headers[core.HeaderCallback])
	assert.Empty(t, msg.Headers[core.HeaderCallback])
}

func TestFaultEvictsClientAndNotifies(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())

	var (
		mu       sync.Mutex
		notified []core.EndpointKey
	)
	cache.OnFault(func(c *OutboundClient, err error) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, c.Key())
		assert.ErrorIs(t, err, core.ErrChannelFaulted)
	})

	client, err := cache.GetOrCreate(skey("a"), factory)
	require.NoError(t, err)
	_, err = client.Send(context.Background(), core.NewMessage("x", nil), nil)
	require.NoError(t, err)

	factory.channel("a").raiseFault(core.ChannelFaulted("recv", errors.New("connection reset")))

	assert.Equal(t, StateFaulted, client.State())
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, []core.EndpointKey{skey("a")}, notified)
	_, _, aborts := factory.channel("a").counts()
	assert.Equal(t, 1, aborts)

	// a second fault report is ignored
	factory.channel("a").raiseFault(errors.New("again"))
	assert.Len(t, notified, 1)

	_, err = client.Send(context.Background(), core.NewMessage("x", nil), nil)
	assert.ErrorIs(t, err, core.ErrChannelFaulted)
}

func TestAbortDuringOpenLeavesClientClosed(t *testing.T) {
	factory := newFakeFactory()
	ch := factory.channel("a")
	ch.openGate = make(chan struct{})
	cache := NewChannelCache(discardLogger())
	client, err := cache.GetOrCreate(dkey("a"), factory)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), core.NewMessage("x", nil), nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return client.State() == StateOpening }, 2*time.Second, time.Millisecond)

	client.Abort()
	close(ch.openGate)

	err = <-done
	assert.ErrorIs(t, err, core.ErrChannelFaulted)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, 0, ch.sendCount())
	_, _, aborts := ch.counts()
	assert.Equal(t, 2, aborts, "the channel opened after the abort is torn down again")

	_, err = client.Send(context.Background(), core.NewMessage("y", nil), nil)
	assert.ErrorIs(t, err, core.ErrChannelFaulted)
}

func TestReleaseOneIsLIFO(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())
	for _, d := range []string{"a", "b", "c"} {
		_, err := cache.GetOrCreate(dkey(d), factory)
		require.NoError(t, err)
	}
	assert.Equal(t, []core.EndpointKey{dkey("a"), dkey("b"), dkey("c")}, cache.Keys())

	var got []string
	for c := cache.ReleaseOne(); c != nil; c = cache.ReleaseOne() {
		got = append(got, c.Key().Destination)
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
	assert.Nil(t, cache.ReleaseOne())
}

func TestDrainCollectsCloseErrors(t *testing.T) {
	factory := newFakeFactory()
	closeErr := errors.New("close refused")
	factory.channel("b").closeErr = closeErr
	cache := NewChannelCache(discardLogger())

	for _, d := range []string{"a", "b", "c"} {
		c, err := cache.GetOrCreate(dkey(d), factory)
		require.NoError(t, err)
		_, err = c.Send(context.Background(), core.NewMessage("x", nil), nil)
		require.NoError(t, err)
	}

	err := cache.Drain(context.Background())
	assert.ErrorIs(t, err, closeErr)
	assert.Equal(t, 0, cache.Len())
	for _, d := range []string{"a", "b", "c"} {
		_, closes, _ := factory.channel(d).counts()
		assert.Equal(t, 1, closes, d)
	}
	_, _, aborts := factory.channel("b").counts()
	assert.Equal(t, 1, aborts)
}

func TestDrainAbortsOnceBudgetIsGone(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())
	for _, d := range []string{"a", "b"} {
		c, err := cache.GetOrCreate(dkey(d), factory)
		require.NoError(t, err)
		_, err = c.Send(context.Background(), core.NewMessage("x", nil), nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cache.Drain(ctx)
	assert.ErrorIs(t, err, core.ErrTimeout)
	for _, d := range []string{"a", "b"} {
		_, closes, aborts := factory.channel(d).counts()
		assert.Equal(t, 0, closes)
		assert.Equal(t, 1, aborts)
	}
}

func TestAbortAndAbortAll(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())
	var notified []core.EndpointKey
	cache.OnFault(func(c *OutboundClient, _ error) {
		notified = append(notified, c.Key())
	})
	for _, d := range []string{"a", "b", "c"} {
		_, err := cache.GetOrCreate(dkey(d), factory)
		require.NoError(t, err)
	}

	cache.Abort(dkey("b"), nil)
	cache.Abort(dkey("missing"), commErr())
	assert.Equal(t, []core.EndpointKey{dkey("a"), dkey("c")}, cache.Keys())

	cache.AbortAll(nil)
	assert.Equal(t, 0, cache.Len())
	for _, d := range []string{"a", "b", "c"} {
		_, _, aborts := factory.channel(d).counts()
		assert.Equal(t, 1, aborts, d)
	}
	assert.Empty(t, notified, "aborts without a cause are not faults")
}

func TestAbortWithCauseReportsFault(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())
	cause := core.ChannelFaulted("send", errors.New("broken pipe"))
	got := make(map[core.EndpointKey]error)
	cache.OnFault(func(c *OutboundClient, err error) {
		got[c.Key()] = err
	})
	for _, d := range []string{"a", "b"} {
		_, err := cache.GetOrCreate(skey(d), factory)
		require.NoError(t, err)
	}

	cache.Abort(skey("a"), cause)
	assert.Equal(t, map[core.EndpointKey]error{skey("a"): cause}, got)

	cache.AbortAll(cause)
	assert.Len(t, got, 2)
	assert.Same(t, cause, got[skey("b")])
}

func TestCloseUnopenedClientSkipsChannel(t *testing.T) {
	factory := newFakeFactory()
	cache := NewChannelCache(discardLogger())
	c, err := cache.GetOrCreate(dkey("a"), factory)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	_, closes, _ := factory.channel("a").counts()
	assert.Equal(t, 0, closes)
}
