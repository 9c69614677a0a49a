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
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	mu sync.Mutex

	openGate chan struct{}
	openErr  error
	closeErr error
	// sendErrs are returned by successive sends; after they run out sends
	// fail with failAll, or succeed when it is nil.
	sendErrs []error
	failAll  error
	reply    func(*core.Message) *core.Message

	openCalls  int
	closeCalls int
	aborts     int
	sends      []*core.Message
	txs        []core.Transaction
	faultFn    func(error)
}

func (f *fakeChannel) Open(ctx context.Context) error {
	if f.openGate != nil {
		select {
		case <-f.openGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.openErr
}

func (f *fakeChannel) Send(_ context.Context, msg *core.Message, tx core.Transaction) (*core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	f.txs = append(f.txs, tx)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if f.failAll != nil {
		return nil, f.failAll
	}
	if f.reply != nil {
		return f.reply(msg), nil
	}
	return nil, nil
}

func (f *fakeChannel) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeChannel) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeChannel) NotifyFault(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultFn = fn
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeChannel) counts() (opens, closes, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls, f.closeCalls, f.aborts
}

func (f *fakeChannel) raiseFault(err error) {
	f.mu.Lock()
	fn := f.faultFn
	f.mu.Unlock()
	fn(err)
}

// fakeFactory hands out one fakeChannel per destination, so a client
// recreated after eviction shares the counters of the old one.
type fakeFactory struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	created  map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		channels: make(map[string]*fakeChannel),
		created:  make(map[string]int),
	}
}

func (f *fakeFactory) channel(dest string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[dest]
	if !ok {
		ch = &fakeChannel{}
		f.channels[dest] = ch
	}
	return ch
}

func (f *fakeFactory) CreateChannel(key core.EndpointKey) (core.Channel, error) {
	ch := f.channel(key.Destination)
	f.mu.Lock()
	f.created[key.Destination]++
	f.mu.Unlock()
	return ch, nil
}

type fakeAck struct {
	mu          sync.Mutex
	completeErr error
	completed   int
	abandoned   int
	tx          core.Transaction
}

func (a *fakeAck) Complete(_ context.Context, tx core.Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tx = tx
	if a.completeErr != nil {
		return a.completeErr
	}
	a.completed++
	return nil
}

func (a *fakeAck) Abandon(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandoned++
	return nil
}

type fakeTx struct {
	committed  int
	rolledBack int
	disposed   int
}

func (t *fakeTx) ID() string { return "tx-1" }

func (t *fakeTx) Commit(context.Context) error {
	t.committed++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack++
	return nil
}

func (t *fakeTx) Dispose() { t.disposed++ }

func dkey(dest string) core.EndpointKey {
	return core.EndpointKey{Destination: dest, Shape: core.ShapeDatagram}
}

func skey(dest string) core.EndpointKey {
	return core.EndpointKey{Destination: dest, Shape: core.ShapeSession}
}

func rkey(dest string) core.EndpointKey {
	return core.EndpointKey{Destination: dest, Shape: core.ShapeRequestReply}
}

// tableOf builds a table with one match-all entry per endpoint list.
func tableOf(t *testing.T, lists ...[]core.EndpointKey) *routing.Table {
	t.Helper()
	tbl := routing.NewTable(false)
	for i, eps := range lists {
		require.NoError(t, tbl.Add(&routing.Entry{
			Name:      string(rune('a' + i)),
			Filter:    routing.MatchAll{},
			Endpoints: eps,
		}))
	}
	return tbl
}

func newTestService(t *testing.T, factory core.ChannelFactory, tbl *routing.Table) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Logger:  discardLogger(),
		Factory: factory,
		Table:   tbl,
	})
	require.NoError(t, err)
	return svc
}

func commErr() error {
	return core.Communication("send", io.ErrUnexpectedEOF)
}
