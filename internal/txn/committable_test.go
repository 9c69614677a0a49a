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

package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

type recorder struct {
	events []string
}

func (r *recorder) participant(name string, commitErr error) core.Enlistment {
	return core.Enlistment{
		Name: name,
		Commit: func(context.Context) error {
			r.events = append(r.events, "commit:"+name)
			return commitErr
		},
		Rollback: func(context.Context) error {
			r.events = append(r.events, "rollback:"+name)
			return nil
		},
	}
}

func TestCommitRunsParticipantsInOrder(t *testing.T) {
	rec := &recorder{}
	tx := New(nil)
	require.NoError(t, tx.Enlist(rec.participant("a", nil)))
	require.NoError(t, tx.Enlist(rec.participant("b", nil)))

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"commit:a", "commit:b"}, rec.events)
	assert.Equal(t, StateCommitted, tx.State())
}

func TestRollbackRunsInReverse(t *testing.T) {
	rec := &recorder{}
	tx := New(nil)
	_ = tx.Enlist(rec.participant("a", nil))
	_ = tx.Enlist(rec.participant("b", nil))

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, []string{"rollback:b", "rollback:a"}, rec.events)
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestCommitFailureRollsBackRemainder(t *testing.T) {
	rec := &recorder{}
	tx := New(nil)
	_ = tx.Enlist(rec.participant("a", nil))
	_ = tx.Enlist(rec.participant("b", errors.New("broker gone")))
	_ = tx.Enlist(rec.participant("c", nil))

	err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
	assert.Equal(t, []string{"commit:a", "commit:b", "rollback:c"}, rec.events)
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestFinishedTransactionRejectsWork(t *testing.T) {
	tx := New(nil)
	require.NoError(t, tx.Commit(context.Background()))

	assert.ErrorIs(t, tx.Commit(context.Background()), ErrNotActive)
	assert.ErrorIs(t, tx.Rollback(context.Background()), ErrNotActive)
	assert.ErrorIs(t, tx.Enlist(core.Enlistment{Name: "late"}), ErrNotActive)
}

func TestDisposeRollsBackActive(t *testing.T) {
	rec := &recorder{}
	tx := New(nil)
	_ = tx.Enlist(rec.participant("a", nil))

	tx.Dispose()
	assert.Equal(t, []string{"rollback:a"}, rec.events)
	assert.Equal(t, StateDisposed, tx.State())

	tx.Dispose()
	assert.Len(t, rec.events, 1)
}

func TestDisposeKeepsFinishedOutcome(t *testing.T) {
	tx := New(nil)
	require.NoError(t, tx.Commit(context.Background()))
	tx.Dispose()
	assert.Equal(t, StateCommitted, tx.State())
}
