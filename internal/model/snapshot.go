package model

import (
	"encoding/json"
	"fmt"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
)

// SnapshotEntry is one entry of a replica snapshot as it travels between
// nodes. Values are JSON documents.
type SnapshotEntry struct {
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	CreationTime   time.Time       `json:"creation_time,omitempty"`
	LastAccessTime time.Time       `json:"last_access_time,omitempty"`
	LastUpdateTime time.Time       `json:"last_update_time,omitempty"`
	Hits           uint64          `json:"hits,omitempty"`
	TTLMillis      int64           `json:"ttl_ms,omitempty"`
	Version        uint64          `json:"version,omitempty"`
}

// ReplicaSnapshot is the content of a merging replica
type ReplicaSnapshot struct {
	Entries []SnapshotEntry `json:"entries"`
}

// Records validates the snapshot and returns its entries keyed by key
func (s *ReplicaSnapshot) Records() (map[string]Record[json.RawMessage], error) {
	records := make(map[string]Record[json.RawMessage], len(s.Entries))
	for i, e := range s.Entries {
		if e.Key == "" {
			return nil, mergeerrors.InvalidArgument(fmt.Sprintf("entry %d has no key", i), nil)
		}
		if len(e.Value) == 0 {
			return nil, mergeerrors.InvalidArgument(fmt.Sprintf("entry %q has no value", e.Key), nil)
		}
		if e.TTLMillis < 0 {
			return nil, mergeerrors.InvalidArgument(fmt.Sprintf("entry %q has a negative ttl", e.Key), nil)
		}
		if _, dup := records[e.Key]; dup {
			return nil, mergeerrors.InvalidArgument(fmt.Sprintf("entry %q appears twice", e.Key), nil)
		}
		records[e.Key] = Record[json.RawMessage]{
			Value: ObjectValue(e.Value),
			Metadata: Metadata{
				CreationTime:   e.CreationTime,
				LastAccessTime: e.LastAccessTime,
				LastUpdateTime: e.LastUpdateTime,
				Hits:           e.Hits,
				TTL:            time.Duration(e.TTLMillis) * time.Millisecond,
				Version:        e.Version,
			},
		}
	}
	return records, nil
}
