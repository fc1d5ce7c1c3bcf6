package policy

import (
	"fmt"
	"testing"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// panicDecoder fails the test path if any built-in policy touches values
var panicDecoder = model.DeserializerFunc[string](func([]byte) (string, error) {
	panic("built-in policies must not deserialize")
})

func view(meta model.Metadata) *model.EntryView[string, string] {
	return model.NewEntryView("k", model.Record[string]{Value: model.EncodedValue[string]([]byte("x")), Metadata: meta}, panicDecoder)
}

func TestBuiltinPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   MergePolicy[string, string]
		merging  model.Metadata
		existing *model.Metadata
		want     model.DecisionKind
	}{
		{name: "pass through with existing", policy: PassThrough[string, string]{}, existing: &model.Metadata{}, want: model.DecisionKeepMerging},
		{name: "put if absent inserts", policy: PutIfAbsent[string, string]{}, want: model.DecisionKeepMerging},
		{name: "put if absent keeps existing", policy: PutIfAbsent[string, string]{}, existing: &model.Metadata{}, want: model.DecisionKeepExisting},
		{name: "discard", policy: Discard[string, string]{}, existing: &model.Metadata{}, want: model.DecisionKeepExisting},
		{name: "higher hits merging wins", policy: HigherHits[string, string]{}, merging: model.Metadata{Hits: 5}, existing: &model.Metadata{Hits: 2}, want: model.DecisionKeepMerging},
		{name: "higher hits existing wins", policy: HigherHits[string, string]{}, merging: model.Metadata{Hits: 1}, existing: &model.Metadata{Hits: 2}, want: model.DecisionKeepExisting},
		{name: "higher hits tie keeps existing", policy: HigherHits[string, string]{}, merging: model.Metadata{Hits: 2}, existing: &model.Metadata{Hits: 2}, want: model.DecisionKeepExisting},
		{name: "higher hits insert", policy: HigherHits[string, string]{}, merging: model.Metadata{Hits: 0}, want: model.DecisionKeepMerging},
		{name: "latest access", policy: LatestAccess[string, string]{}, merging: model.Metadata{LastAccessTime: base.Add(time.Second)}, existing: &model.Metadata{LastAccessTime: base}, want: model.DecisionKeepMerging},
		{name: "latest access older", policy: LatestAccess[string, string]{}, merging: model.Metadata{LastAccessTime: base}, existing: &model.Metadata{LastAccessTime: base.Add(time.Second)}, want: model.DecisionKeepExisting},
		{name: "latest update", policy: LatestUpdate[string, string]{}, merging: model.Metadata{LastUpdateTime: base.Add(time.Second)}, existing: &model.Metadata{LastUpdateTime: base}, want: model.DecisionKeepMerging},
		{name: "latest update tie", policy: LatestUpdate[string, string]{}, merging: model.Metadata{LastUpdateTime: base}, existing: &model.Metadata{LastUpdateTime: base}, want: model.DecisionKeepExisting},
		{name: "higher version", policy: HigherVersion[string, string]{}, merging: model.Metadata{Version: 4}, existing: &model.Metadata{Version: 3}, want: model.DecisionKeepMerging},
		{name: "lower version", policy: HigherVersion[string, string]{}, merging: model.Metadata{Version: 2}, existing: &model.Metadata{Version: 3}, want: model.DecisionKeepExisting},
		{name: "expiration later wins", policy: ExpirationTime[string, string]{}, merging: model.Metadata{CreationTime: base, TTL: time.Hour}, existing: &model.Metadata{CreationTime: base, TTL: time.Minute}, want: model.DecisionKeepMerging},
		{name: "expiration no ttl existing wins", policy: ExpirationTime[string, string]{}, merging: model.Metadata{CreationTime: base, TTL: time.Hour}, existing: &model.Metadata{CreationTime: base}, want: model.DecisionKeepExisting},
		{name: "expiration no ttl merging wins", policy: ExpirationTime[string, string]{}, merging: model.Metadata{CreationTime: base}, existing: &model.Metadata{CreationTime: base, TTL: time.Hour}, want: model.DecisionKeepMerging},
		{name: "expiration insert", policy: ExpirationTime[string, string]{}, merging: model.Metadata{}, want: model.DecisionKeepMerging},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var existing *model.EntryView[string, string]
			if tt.existing != nil {
				existing = view(*tt.existing)
			}

			decision, err := tt.policy.Merge(view(tt.merging), existing)

			require.NoError(t, err)
			assert.Equal(t, tt.want, decision.Kind())
		})
	}
}

func TestValueFunc(t *testing.T) {
	deleteOnConflict := ValueFunc[string, int](func(merging, existing *model.EntryView[string, int]) (*int, error) {
		if existing.IsPresent() {
			return nil, nil
		}
		v, err := merging.MaterializedValue()
		return &v, err
	})

	merging := model.NewEntryView[string, int]("a", model.Record[int]{Value: model.ObjectValue(1)}, nil)
	existing := model.NewEntryView[string, int]("a", model.Record[int]{Value: model.ObjectValue(9)}, nil)

	d, err := deleteOnConflict.Merge(merging, existing)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRemove, d.Kind())

	d, err = deleteOnConflict.Merge(merging, nil)
	require.NoError(t, err)
	v, ok := d.Value()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	failing := ValueFunc[string, int](func(_, _ *model.EntryView[string, int]) (*int, error) {
		return nil, assert.AnError
	})
	_, err = failing.Merge(merging, nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestName(t *testing.T) {
	assert.Equal(t, HigherHitsName, Name(HigherHits[string, int]{}))
	assert.Contains(t, Name(Func[string, int](nil)), "Func")
}

func TestProvider_Get(t *testing.T) {
	provider, err := NewProvider[string, int](8, zap.NewNop())
	require.NoError(t, err)

	p, err := provider.Get(Config{Name: HigherHitsName})
	require.NoError(t, err)
	assert.Equal(t, HigherHitsName, Name(p))

	assert.Contains(t, provider.Names(), PutIfAbsentName)
	assert.Len(t, provider.Names(), 8)
}

func TestProvider_UnknownAndEmpty(t *testing.T) {
	provider, err := NewProvider[string, int](0, nil)
	require.NoError(t, err)

	_, err = provider.Get(Config{Name: "highest_bidder"})
	assert.Equal(t, mergeerrors.ErrCodeInvalidArgument, mergeerrors.GetCode(err))

	_, err = provider.Get(Config{})
	assert.Equal(t, mergeerrors.ErrCodeInvalidArgument, mergeerrors.GetCode(err))
}

type countedPolicy struct {
	PassThrough[string, int]
	id int
}

func TestProvider_CachesInstancesPerConfig(t *testing.T) {
	provider, err := NewProvider[string, int](8, zap.NewNop())
	require.NoError(t, err)

	built := 0
	provider.Register("custom", func(cfg Config) (MergePolicy[string, int], error) {
		built++
		return &countedPolicy{id: built}, nil
	})

	a, err := provider.Get(Config{Name: "custom", Params: map[string]string{"x": "1", "y": "2"}})
	require.NoError(t, err)
	b, err := provider.Get(Config{Name: "custom", Params: map[string]string{"y": "2", "x": "1"}})
	require.NoError(t, err)
	c, err := provider.Get(Config{Name: "custom", Params: map[string]string{"x": "3"}})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, built)

	// Re-registering invalidates cached instances
	provider.Register("custom", func(cfg Config) (MergePolicy[string, int], error) {
		return &countedPolicy{id: 100}, nil
	})
	d, err := provider.Get(Config{Name: "custom", Params: map[string]string{"x": "1", "y": "2"}})
	require.NoError(t, err)
	assert.Equal(t, 100, d.(*countedPolicy).id)
}

func TestProvider_FactoryError(t *testing.T) {
	provider, err := NewProvider[string, int](8, zap.NewNop())
	require.NoError(t, err)
	provider.Register("broken", func(Config) (MergePolicy[string, int], error) {
		return nil, fmt.Errorf("missing param")
	})

	_, err = provider.Get(Config{Name: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing param")
}
