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

package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/internal/txn"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewChannelValidates(t *testing.T) {
	_, err := NewChannel(core.EndpointDescriptor{Name: "k", Config: map[string]string{"topic": "t"}}, discard())
	assert.Error(t, err)

	_, err = NewChannel(core.EndpointDescriptor{Name: "k", Config: map[string]string{"brokers": "a:9092"}}, discard())
	assert.Error(t, err)

	ch, err := NewChannel(core.EndpointDescriptor{Name: "k", Config: map[string]string{
		"brokers": " a:9092, b:9092 ,", "topic": "orders",
	}}, discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, ch.(*Channel).brokers)
}

func TestSendBeforeOpenIsFaulted(t *testing.T) {
	ch, err := NewChannel(core.EndpointDescriptor{Name: "k", Config: map[string]string{"brokers": "a:9092", "topic": "t"}}, discard())
	require.NoError(t, err)

	_, err = ch.Send(context.Background(), core.NewMessage("a", nil), nil)
	assert.Equal(t, core.ClassChannelFaulted, core.Classify(err))
	ch.Abort()
	assert.NoError(t, ch.Close(context.Background()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want core.ErrorClass
	}{
		{kafka.UnknownTopicOrPartition, core.ClassEndpointNotFound},
		{kafka.WriteErrors{nil, kafka.TopicAuthorizationFailed}, core.ClassMessageSecurity},
		{kafka.RequestTimedOut, core.ClassTimeout},
		{context.DeadlineExceeded, core.ClassTimeout},
		{io.ErrUnexpectedEOF, core.ClassCommunication},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, core.Classify(classify("op", tt.err)), "%v", tt.err)
	}
}

func TestMessageMapping(t *testing.T) {
	msg := core.NewMessage("orders.create", []byte("payload"))
	msg.Headers["x-kind"] = "order"

	km := toKafka(msg)
	km.Topic = "orders"
	assert.Equal(t, []byte(msg.ID), km.Key)

	back := fromKafka(km)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, "orders.create", back.Action)
	assert.Equal(t, "order", back.Header("x-kind"))
	assert.Equal(t, "orders", back.Header("kafka_topic"))
	assert.Equal(t, []byte("payload"), back.Body)
}

func TestOffsetAckDefersCommitToTransaction(t *testing.T) {
	commits := 0
	ack := &offsetAck{commit: func(context.Context) error { commits++; return nil }}

	tx := txn.New(discard())
	require.NoError(t, ack.Complete(context.Background(), tx))
	assert.Equal(t, 0, commits)
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, 1, commits)

	require.NoError(t, ack.Complete(context.Background(), nil))
	assert.Equal(t, 2, commits)
}

type stubHost struct {
	calls   int
	abandon int
}

func (h *stubHost) Deliver(context.Context, string, *core.Message, core.AckHandle, core.Transaction) error {
	return nil
}
func (h *stubHost) EndOfSession(context.Context, string) error { return nil }
func (h *stubHost) ProcessRequest(context.Context, *core.Message) (*core.Message, error) {
	return nil, nil
}

func (h *stubHost) ProcessDatagram(ctx context.Context, _ *core.Message, ack core.AckHandle, _ core.Transaction) error {
	h.calls++
	if h.calls <= h.abandon {
		_ = ack.Abandon(ctx)
		return errors.New("routing failed")
	}
	return ack.Complete(ctx, nil)
}

func TestAbandonedRecordIsRedelivered(t *testing.T) {
	ep, err := NewEntrypoint("in", map[string]string{"brokers": "a:9092", "topic": "t"}, core.DeliveryAtLeastOnce, discard())
	require.NoError(t, err)
	assert.Equal(t, "routing-in", ep.groupID)

	host := &stubHost{abandon: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	committed := 0
	err = ep.routeWith(ctx, host, kafka.Message{Topic: "t"}, func(context.Context) error { committed++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, host.calls)
	assert.Equal(t, 1, committed)
}
