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
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/txn"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

var ErrSessionAborted = errors.New("routing session aborted")

type SessionState int

const (
	SessionInitial SessionState = iota
	SessionSendingMessages
	SessionClosingChannels
	SessionCompletingAcks
	SessionCommittingTransaction
	SessionCompleting
	SessionCompleted
	SessionFault
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "initial"
	case SessionSendingMessages:
		return "sending_messages"
	case SessionClosingChannels:
		return "closing_channels"
	case SessionCompletingAcks:
		return "completing_acks"
	case SessionCommittingTransaction:
		return "committing_transaction"
	case SessionCompleting:
		return "completing"
	case SessionCompleted:
		return "completed"
	case SessionFault:
		return "fault"
	default:
		return fmt.Sprintf("session_state(%d)", int(s))
	}
}

type sessionEvent int

const (
	// eventDone means the state finished its work.
	eventDone sessionEvent = iota
	// eventWait means every buffered message is sent but the transport
	// session stays open for more.
	eventWait
	eventFailed
)

// nextSessionState is the session transition function. A failure moves any
// state to Fault.
func nextSessionState(cur SessionState, ev sessionEvent) SessionState {
	if ev == eventFailed && cur != SessionCompleted {
		return SessionFault
	}
	switch cur {
	case SessionInitial:
		return SessionSendingMessages
	case SessionSendingMessages:
		if ev == eventWait {
			return SessionSendingMessages
		}
		return SessionClosingChannels
	case SessionClosingChannels:
		return SessionCompletingAcks
	case SessionCompletingAcks:
		return SessionCommittingTransaction
	case SessionCommittingTransaction, SessionFault:
		return SessionCompleting
	default:
		return SessionCompleted
	}
}

type SessionOptions struct {
	// Handle is the host's identifier for the session, used in logs.
	Handle string
	// Sessionful means the inbound transport has its own session: channels
	// stay open between messages and close only at end of session.
	Sessionful bool
	// AtLeastOnce means the transport redelivers on failure; the session
	// then runs its sends under a transaction it can roll back.
	AtLeastOnce bool
}

// RoutingSession owns the channel cache, the buffered messages and the
// transaction of one inbound session. The host never delivers to one
// session concurrently, but Shutdown, Abort and channel faults may race
// with a delivery.
type RoutingSession struct {
	id     string
	opts   SessionOptions
	svc    *Service
	logger *slog.Logger
	cache  *ChannelCache
	snd    *sender

	runMu      sync.Mutex
	table      *routing.Table
	generation uint64
	state      SessionState
	buffer     []*MessageContext
	tx         core.Transaction
	ownsTx     bool
	closing    bool
	sessionErr error
	faultErr   error
	result     error

	faultMu sync.Mutex
	faulted map[*OutboundClient]error
}

func newRoutingSession(svc *Service, opts SessionOptions) *RoutingSession {
	id := uuid.New().String()
	logger := svc.logger.With("session_id", id)
	if opts.Handle != "" {
		logger = logger.With("session_handle", opts.Handle)
	}
	table, gen := svc.filters()

	s := &RoutingSession{
		id:         id,
		opts:       opts,
		svc:        svc,
		logger:     logger,
		cache:      NewChannelCache(logger),
		table:      table,
		generation: gen,
		faulted:    make(map[*OutboundClient]error),
	}
	s.snd = &sender{
		svc:        svc,
		cache:      s.cache,
		sessionID:  id,
		sessionful: opts.Sessionful,
		logger:     logger,
	}
	s.cache.OnFault(s.endpointFaulted)
	return s
}

func (s *RoutingSession) ID() string { return s.id }
func (s *RoutingSession) Cache() *ChannelCache { return s.cache }
func (s *RoutingSession) Options() SessionOptions { return s.opts }

func (s *RoutingSession) State() SessionState {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.state
}

// Buffered is the number of messages still retained by the session.
func (s *RoutingSession) Buffered() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return len(s.buffer)
}

// Err is the session-level error recorded so far.
func (s *RoutingSession) Err() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.faultErr != nil {
		return s.faultErr
	}
	return s.sessionErr
}

// Deliver buffers msg and sends it. Individual send failures never surface
// here; they end up in the session error returned by Shutdown. A session
// without a transport-level session completes on every delivery, and its
// outcome is returned.
func (s *RoutingSession) Deliver(ctx context.Context, msg *core.Message, ack core.AckHandle, tx core.Transaction) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.state == SessionCompleted {
		return s.completedErr()
	}

	// Each delivery gets the full send timeout. Idle time between
	// deliveries of a transport session is not charged against it.
	ctx, cancel := context.WithTimeout(ctx, s.svc.timeout)
	defer cancel()

	if err := s.refreshFilters(ctx); err != nil {
		s.faultErr = err
		s.state = SessionFault
	}
	s.buffer = append(s.buffer, NewMessageContext(msg, tx, ack))
	s.run(ctx)

	if !s.opts.Sessionful {
		return s.result
	}
	return nil
}

// Shutdown sends anything still buffered, closes the cached channels,
// completes acknowledgements and commits. ctx is the budget for all of it.
// Calling it again returns the same outcome.
func (s *RoutingSession) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	switch s.state {
	case SessionInitial:
		s.state = SessionClosingChannels
	case SessionCompleted:
		if s.faultErr != nil {
			return s.result
		}
		s.state = SessionClosingChannels
	}
	s.closing = true
	s.run(ctx)
	return s.result
}

// Abort faults the session immediately: the transaction rolls back, every
// channel is aborted and every acknowledgement abandoned.
func (s *RoutingSession) Abort(ctx context.Context, cause error) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.state == SessionCompleted {
		return s.result
	}
	if cause == nil {
		cause = ErrSessionAborted
	}
	s.faultErr = cause
	s.state = SessionFault
	s.run(ctx)
	return s.result
}

func (s *RoutingSession) completedErr() error {
	if s.result != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrSessionCompleted, s.id, s.result)
	}
	return fmt.Errorf("%w: %s", core.ErrSessionCompleted, s.id)
}

// refreshFilters adopts a changed filter table. Channels cached under the
// old table are closed first, so operations delivered through them are
// finalized or failed over before any new message resolves.
func (s *RoutingSession) refreshFilters(ctx context.Context) error {
	table, gen := s.svc.filters()
	if gen == s.generation {
		return nil
	}
	if s.cache.Len() > 0 {
		s.logger.Warn("filter table changed mid-session, closing cached channels",
			"generation", gen, "channels", s.cache.Len())
		if err := s.drainChannels(ctx); err != nil {
			return err
		}
	}
	s.table, s.generation = table, gen
	return nil
}

func (s *RoutingSession) run(ctx context.Context) {
	for s.state != SessionCompleted {
		cur := s.state
		ev := s.step(ctx)
		s.state = nextSessionState(cur, ev)
		if s.state != cur {
			s.logger.Debug("session transition", "from", cur.String(), "to", s.state.String())
		}
		if ev == eventWait {
			return
		}
	}
}

func (s *RoutingSession) step(ctx context.Context) sessionEvent {
	switch s.state {
	case SessionInitial:
		return s.initialize()
	case SessionSendingMessages:
		return s.sendMessages(ctx)
	case SessionClosingChannels:
		return s.closeChannels(ctx)
	case SessionCompletingAcks:
		return s.completeAcks(ctx)
	case SessionCommittingTransaction:
		return s.commit(ctx)
	case SessionFault:
		s.fault(ctx)
		return eventDone
	case SessionCompleting:
		s.complete()
		return eventDone
	default:
		return eventDone
	}
}

func (s *RoutingSession) fail(err error) sessionEvent {
	s.faultErr = err
	return eventFailed
}

// initialize settles the session transaction from the first message.
func (s *RoutingSession) initialize() sessionEvent {
	if len(s.buffer) == 0 {
		return eventDone
	}
	first := s.buffer[0]
	atLeastOnce := s.opts.AtLeastOnce || first.Ack != nil
	switch {
	case atLeastOnce && first.Tx != nil:
		s.tx = first.Tx
	case atLeastOnce:
		s.tx = txn.New(s.logger)
		s.ownsTx = true
		s.logger.Debug("retry transaction created", "transaction_id", s.tx.ID())
	}
	return eventDone
}

func (s *RoutingSession) txFor(mc *MessageContext) core.Transaction {
	if mc.Tx != nil {
		return mc.Tx
	}
	return s.tx
}

// retained reports whether a fully sent message must stay buffered for the
// acknowledgement or commit phases.
func (s *RoutingSession) retained(mc *MessageContext) bool {
	return !mc.AllSent() || mc.Ack != nil || s.tx != nil
}

func (s *RoutingSession) sendMessages(ctx context.Context) sessionEvent {
	kept := make([]*MessageContext, 0, len(s.buffer))
	for i, mc := range s.buffer {
		if err := s.sendMessage(ctx, mc); err != nil {
			s.buffer = append(kept, s.buffer[i:]...)
			return s.fail(err)
		}
		if s.retained(mc) {
			kept = append(kept, mc)
		}
	}
	s.buffer = kept

	if s.closing || !s.opts.Sessionful {
		return eventDone
	}
	return eventWait
}

func (s *RoutingSession) sendMessage(ctx context.Context, mc *MessageContext) error {
	if !mc.Resolved() {
		lists, err := s.table.MatchAll(mc.Message)
		if err != nil {
			return err
		}
		if err := mc.Resolve(lists); err != nil {
			return err
		}
	}
	tx := s.txFor(mc)
	for _, op := range mc.Ops {
		if op.Sent() || op.Delivered() {
			continue
		}
		if err := s.sendOp(ctx, mc, op, tx); err != nil {
			return err
		}
	}
	return nil
}

// sendOp sends one operation. An operation that runs out of candidates
// outside a transaction is recorded as a session error and marked sent so
// sibling operations still go out.
func (s *RoutingSession) sendOp(ctx context.Context, mc *MessageContext, op *SendOperation, tx core.Transaction) error {
	_, err := s.snd.send(ctx, mc, op, tx)
	if err == nil {
		if tx == nil && !op.Current().Shape.Sessionful() {
			op.MarkSent()
		}
		return nil
	}
	if !op.Exhausted() || tx != nil {
		return err
	}
	s.logger.Error("endpoint list exhausted",
		"message_id", mc.Message.ID,
		"candidates", len(op.candidates),
		"error", err,
	)
	s.sessionErr = errors.Join(s.sessionErr, err)
	op.MarkSent()
	return nil
}

func (s *RoutingSession) closeChannels(ctx context.Context) sessionEvent {
	if err := s.drainChannels(ctx); err != nil {
		return s.fail(err)
	}
	return eventDone
}

// drainChannels empties the cache. Operations waiting on a client that
// closed cleanly count as sent; those on a client that faulted or failed
// to close move to their next candidate.
func (s *RoutingSession) drainChannels(ctx context.Context) error {
	for {
		if client, cause, ok := s.popFaulted(); ok {
			if err := s.failoverEndpoint(ctx, client, cause); err != nil {
				return err
			}
			continue
		}

		client := s.cache.ReleaseOne()
		if client == nil {
			return nil
		}
		if ctx.Err() != nil {
			return s.forceAbort(ctx, client)
		}

		if err := client.Close(ctx); err != nil {
			if ctx.Err() != nil {
				return s.forceAbort(ctx, client)
			}
			s.logger.Warn("outbound close failed, failing over", "endpoint", client.Key().String(), "error", err)
			if ferr := s.failoverEndpoint(ctx, client, err); ferr != nil {
				return ferr
			}
			continue
		}
		s.closed(client)
	}
}

func (s *RoutingSession) forceAbort(ctx context.Context, client *OutboundClient) error {
	client.Abort()
	s.cache.AbortAll(nil)
	s.logger.Warn("close budget exhausted, aborting remaining channels")
	return core.Timeout("close channels", ctx.Err())
}

// closed finalizes operations delivered through a session-shaped client
// that has now closed cleanly.
func (s *RoutingSession) closed(client *OutboundClient) {
	kept := s.buffer[:0]
	for _, mc := range s.buffer {
		if s.txFor(mc) == nil {
			for _, op := range mc.Ops {
				if op.deliveredVia(client) {
					op.MarkSent()
				}
			}
		}
		if s.retained(mc) {
			kept = append(kept, mc)
		}
	}
	clear(s.buffer[len(kept):])
	s.buffer = kept
}

// failoverEndpoint moves every buffered operation already delivered through
// client onto its next candidate.
func (s *RoutingSession) failoverEndpoint(ctx context.Context, client *OutboundClient, cause error) error {
	if !core.Classify(cause).Recoverable() {
		return cause
	}
	for _, mc := range s.buffer {
		tx := s.txFor(mc)
		for _, op := range mc.Ops {
			if !op.deliveredVia(client) {
				continue
			}
			if op.Failover(cause) {
				if err := s.sendOp(ctx, mc, op, tx); err != nil {
					return err
				}
				continue
			}
			if tx != nil {
				return cause
			}
			s.sessionErr = errors.Join(s.sessionErr, cause)
			op.MarkSent()
		}
	}
	return nil
}

func (s *RoutingSession) endpointFaulted(client *OutboundClient, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faulted[client] = err
}

func (s *RoutingSession) popFaulted() (*OutboundClient, error, bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	for client, err := range s.faulted {
		delete(s.faulted, client)
		return client, err, true
	}
	return nil, nil, false
}

func (s *RoutingSession) completeAcks(ctx context.Context) sessionEvent {
	for _, mc := range s.buffer {
		if mc.Ack == nil {
			continue
		}
		if err := mc.Ack.Complete(ctx, s.tx); err != nil {
			s.logger.Error("acknowledgement failed", "message_id", mc.Message.ID, "error", err)
			return s.fail(err)
		}
		mc.Ack = nil
	}
	return eventDone
}

func (s *RoutingSession) commit(ctx context.Context) sessionEvent {
	if s.ownsTx && s.tx != nil {
		if err := s.tx.Commit(ctx); err != nil {
			s.logger.Error("retry transaction commit failed", "transaction_id", s.tx.ID(), "error", err)
			return s.fail(err)
		}
		s.tx.Dispose()
		s.logger.Debug("retry transaction committed", "transaction_id", s.tx.ID())
	}
	for _, mc := range s.buffer {
		for _, op := range mc.Ops {
			op.MarkSent()
		}
	}
	s.buffer = nil
	s.tx = nil
	s.ownsTx = false
	return eventDone
}

func (s *RoutingSession) fault(ctx context.Context) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.svc.timeout)
	defer cancel()

	s.logger.Error("routing session faulted", "error", s.faultErr)

	if s.ownsTx && s.tx != nil {
		if err := s.tx.Rollback(cleanup); err != nil {
			s.logger.Warn("retry transaction rollback failed", "error", err)
		}
		s.tx.Dispose()
	}
	s.tx = nil
	s.ownsTx = false

	s.cache.AbortAll(nil)

	for _, mc := range s.buffer {
		if mc.Ack == nil {
			continue
		}
		if err := mc.Ack.Abandon(cleanup); err != nil {
			s.logger.Debug("abandon failed", "message_id", mc.Message.ID, "error", err)
		}
		mc.Ack = nil
	}
	s.buffer = nil
}

func (s *RoutingSession) complete() {
	if s.faultErr != nil {
		s.result = s.faultErr
		return
	}
	s.result = s.sessionErr
}
