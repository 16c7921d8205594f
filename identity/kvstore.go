package identity

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cynsky/AisVirtualNet/errors"
)

// DefaultBucket is the JetStream KV bucket holding reservations.
const DefaultBucket = "AIS_RESERVATIONS"

// KVBucketOpener is satisfied by natsclient.Client.
type KVBucketOpener interface {
	KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error)
}

// KVStore keeps reservations in a JetStream key-value bucket. Exclusivity
// comes from Create (fails when the key exists) and revision-checked Update.
// Expiry is the bucket TTL, so the per-call ttl only has bucket granularity.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore opens or creates the bucket with the given TTL.
func NewKVStore(ctx context.Context, opener KVBucketOpener, bucket string, ttl time.Duration) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	kv, err := opener.KeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "MMSI reservations",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "open bucket "+bucket)
	}
	return &KVStore{kv: kv}, nil
}

func (s *KVStore) Reserve(ctx context.Context, mmsi uint32, holder string, _ time.Duration) (bool, error) {
	key := mmsiKey(mmsi)
	_, err := s.kv.Create(ctx, key, []byte(holder))
	if err == nil {
		return true, nil
	}
	if !stderrors.Is(err, jetstream.ErrKeyExists) {
		return false, errors.WrapTransient(err, "KVStore", "Reserve", "create key")
	}

	entry, err := s.kv.Get(ctx, key)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		// expired or released between Create and Get
		return s.Reserve(ctx, mmsi, holder, 0)
	}
	if err != nil {
		return false, errors.WrapTransient(err, "KVStore", "Reserve", "get key")
	}
	if string(entry.Value()) != holder {
		return false, nil
	}
	// refresh our own reservation; a concurrent change fails the revision check
	if _, err := s.kv.Update(ctx, key, []byte(holder), entry.Revision()); err != nil {
		if wrongRevision(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "KVStore", "Reserve", "refresh key")
	}
	return true, nil
}

// wrongRevision reports whether Update lost the revision check.
func wrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return stderrors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *KVStore) Release(ctx context.Context, mmsi uint32, holder string) error {
	key := mmsiKey(mmsi)
	entry, err := s.kv.Get(ctx, key)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "Release", "get key")
	}
	if string(entry.Value()) != holder {
		return errors.WrapInvalid(errors.ErrNotHolder, "KVStore", "Release", "check holder")
	}
	if err := s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		return errors.WrapTransient(err, "KVStore", "Release", "delete key")
	}
	return nil
}

func (s *KVStore) Holder(ctx context.Context, mmsi uint32) (string, bool, error) {
	entry, err := s.kv.Get(ctx, mmsiKey(mmsi))
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapTransient(err, "KVStore", "Holder", "get key")
	}
	return string(entry.Value()), true, nil
}
