package identity

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynsky/AisVirtualNet/errors"
)

type kvEntry struct {
	jetstream.KeyValueEntry
	value    string
	revision uint64
}

func (e kvEntry) Value() []byte    { return []byte(e.value) }
func (e kvEntry) Revision() uint64 { return e.revision }

// scriptedKV holds one existing key and fails Update with updateErr.
type scriptedKV struct {
	jetstream.KeyValue
	holder    string
	updateErr error
	updates   int
}

func (kv *scriptedKV) Create(context.Context, string, []byte) (uint64, error) {
	return 0, jetstream.ErrKeyExists
}

func (kv *scriptedKV) Get(context.Context, string) (jetstream.KeyValueEntry, error) {
	return kvEntry{value: kv.holder, revision: 7}, nil
}

func (kv *scriptedKV) Update(_ context.Context, _ string, _ []byte, last uint64) (uint64, error) {
	kv.updates++
	if kv.updateErr != nil {
		return 0, kv.updateErr
	}
	return last + 1, nil
}

func TestKVStore_Refresh(t *testing.T) {
	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 8"}
	tests := []struct {
		name      string
		holder    string
		updateErr error
		wantOK    bool
		wantErr   bool
		updates   int
	}{
		{"own reservation refreshed", "ole", nil, true, false, 1},
		{"held by another user", "anna", nil, false, false, 0},
		{"lost revision race", "ole", wrongSeq, false, false, 1},
		{"bucket unavailable", "ole", stderrors.New("nats: timeout"), false, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := &scriptedKV{holder: tt.holder, updateErr: tt.updateErr}
			store := &KVStore{kv: kv}

			ok, err := store.Reserve(context.Background(), 123456789, "ole", time.Hour)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.updates, kv.updates)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsTransient(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestKVStore_RefreshFailureIsNotAlreadyReserved(t *testing.T) {
	kv := &scriptedKV{holder: "ole", updateErr: stderrors.New("nats: timeout")}
	b := newTestBroker(t, &KVStore{kv: kv})
	token, err := b.Authenticate(context.Background(), "ole", "secret")
	require.NoError(t, err)

	assert.Equal(t, ResultError, b.ReserveIdentity(context.Background(), 123456789, token))
}
