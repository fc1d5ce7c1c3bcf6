package memstore

import (
	"context"
	"testing"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/serialization"
	"github.com/devrev/pairdb/splitbrain/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ storage.MergingReplica[string, int]  = (*Store[string, int])(nil)
	_ storage.ExistingReplica[string, int] = (*Store[string, int])(nil)
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newObjectStore(t *testing.T) (*Store[string, int], *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := New[string, int](Config[int]{Name: "scores", Logger: zap.NewNop(), Now: clock.now})
	require.NoError(t, err)
	return s, clock
}

func TestStore_SetLoadTracksMetadata(t *testing.T) {
	s, _ := newObjectStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, s.Set(ctx, "a", 2, time.Minute))

	v, ok, err := s.Load(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	rec, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.Metadata.Version)
	assert.Equal(t, uint64(1), rec.Metadata.Hits)
	assert.Equal(t, time.Minute, rec.Metadata.TTL)
	assert.True(t, rec.Metadata.LastUpdateTime.After(rec.Metadata.CreationTime))
	assert.True(t, rec.Metadata.LastAccessTime.After(rec.Metadata.LastUpdateTime))

	// Get is a peek and must not count hits
	rec, _, _ = s.Get(ctx, "a")
	assert.Equal(t, uint64(1), rec.Metadata.Hits)
}

func TestStore_PutRemoveKeys(t *testing.T) {
	s, _ := newObjectStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", model.ObjectValue(1)))
	require.NoError(t, s.Put(ctx, "b", model.ObjectValue(2)))
	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "missing"))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, keys)
	assert.Equal(t, 1, s.Len())
}

func TestStore_BinaryFormatEncodesObjects(t *testing.T) {
	s, err := New[string, int](Config[int]{Name: "bin", Format: FormatBinary, Codec: serialization.JSONCodec[int]{}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", model.ObjectValue(41)))

	rec, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Value.IsEncoded())
	assert.Equal(t, []byte("41"), rec.Value.Raw())

	v, ok, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 41, v)
	assert.NotNil(t, s.Deserializer())
}

func TestStore_ObjectFormatDecodesEncodedWrites(t *testing.T) {
	s, err := New[string, int](Config[int]{Name: "obj", Codec: serialization.JSONCodec[int]{}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", model.EncodedValue[int]([]byte("5"))))
	rec, _, _ := s.Get(ctx, "a")
	obj, ok := rec.Value.Object()
	assert.True(t, ok)
	assert.Equal(t, 5, obj)

	err = s.Put(ctx, "b", model.EncodedValue[int]([]byte("nope")))
	assert.True(t, mergeerrors.IsDeserialization(err))

	plain, _ := newObjectStore(t)
	err = plain.Put(ctx, "c", model.EncodedValue[int]([]byte("1")))
	assert.True(t, mergeerrors.IsDeserialization(err))
	assert.Nil(t, plain.Deserializer())
}

func TestStore_Destroy(t *testing.T) {
	s, _ := newObjectStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", 1, 0))

	s.Destroy()

	_, _, err := s.Get(ctx, "a")
	assert.True(t, mergeerrors.IsStructureUnavailable(err))
	_, err = s.Keys(ctx)
	assert.True(t, mergeerrors.IsStructureUnavailable(err))
	assert.True(t, mergeerrors.IsStructureUnavailable(s.Put(ctx, "a", model.ObjectValue(2))))
	assert.True(t, mergeerrors.IsStructureUnavailable(s.Remove(ctx, "a")))
	assert.True(t, mergeerrors.IsStructureUnavailable(s.Set(ctx, "a", 2, 0)))
	_, _, err = s.Load(ctx, "a")
	assert.True(t, mergeerrors.IsStructureUnavailable(err))
	assert.True(t, mergeerrors.IsStructureUnavailable(s.Restore("a", model.Record[int]{})))
}

func TestNew_Validation(t *testing.T) {
	_, err := New[string, int](Config[int]{Format: "columnar"})
	assert.Error(t, err)

	_, err = New[string, int](Config[int]{Format: FormatBinary})
	assert.Error(t, err)
}

func TestStore_Restore(t *testing.T) {
	s, _ := newObjectStore(t)
	meta := model.Metadata{Hits: 9, Version: 4}
	require.NoError(t, s.Restore("k", model.Record[int]{Value: model.ObjectValue(3), Metadata: meta}))

	rec, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, rec.Metadata)
}

func TestStore_SiblingImportKeepsMetadata(t *testing.T) {
	s, err := New[string, int](Config[int]{Name: "bin", Format: FormatBinary, Codec: serialization.JSONCodec[int]{}})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "existing", model.ObjectValue(1)))

	sib := s.Sibling()
	assert.Equal(t, "bin", sib.Name())
	assert.Equal(t, FormatBinary, sib.Format())
	assert.Equal(t, 0, sib.Len())

	meta := model.Metadata{Hits: 9, Version: 4, TTL: time.Minute}
	require.NoError(t, sib.Import("k", model.Record[int]{Value: model.ObjectValue(7), Metadata: meta}))

	rec, ok, err := sib.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Value.IsEncoded())
	assert.Equal(t, []byte("7"), rec.Value.Raw())
	assert.Equal(t, meta, rec.Metadata)
	assert.Equal(t, 1, s.Len())
}
