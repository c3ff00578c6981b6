package update

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

func records(ids ...string) []core.PlayRecord {
	out := make([]core.PlayRecord, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		records []core.PlayRecord
		limit   int
		want    []core.UpdateOperation
	}{
		{
			name:    "no records is a no-op",
			records: nil,
			limit:   -25,
			want:    nil,
		},
		{
			name:    "push without cap",
			records: records("a", "b"),
			limit:   0,
			want: []core.UpdateOperation{
				{Path: "history", Kind: core.OperationPushEach, Value: records("a", "b")},
			},
		},
		{
			name:    "negative cap keeps the newest",
			records: records("a", "b", "c"),
			limit:   -25,
			want: []core.UpdateOperation{
				{Path: "history", Kind: core.OperationPushEach, Value: records("a", "b", "c")},
				{Path: "history", Kind: core.OperationSliceFromEnd, Bound: 25},
			},
		},
		{
			name:    "positive cap keeps the oldest",
			records: records("a"),
			limit:   3,
			want: []core.UpdateOperation{
				{Path: "history", Kind: core.OperationPushEach, Value: records("a")},
				{Path: "history", Kind: core.OperationSliceFromStart, Bound: 3},
			},
		},
		{
			name:    "cap smaller than the batch",
			records: records("a", "b", "c", "d"),
			limit:   -2,
			want: []core.UpdateOperation{
				{Path: "history", Kind: core.OperationPushEach, Value: records("a", "b", "c", "d")},
				{Path: "history", Kind: core.OperationSliceFromEnd, Bound: 2},
			},
		},
		{
			name:    "sequence records are flattened one level",
			records: []core.PlayRecord{"a", []string{"b", "c"}, []any{[]string{"d"}}},
			limit:   0,
			want: []core.UpdateOperation{
				{Path: "history", Kind: core.OperationPushEach, Value: []core.PlayRecord{"a", "b", "c", []string{"d"}}},
			},
		},
		{
			name:    "byte slices are not flattened",
			records: []core.PlayRecord{[]byte("raw")},
			limit:   0,
			want: []core.UpdateOperation{
				{Path: "history", Kind: core.OperationPushEach, Value: []core.PlayRecord{[]byte("raw")}},
			},
		},
		{
			name:    "empty sequence record flattens to nothing",
			records: []core.PlayRecord{[]string{}},
			limit:   -5,
			want:    nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ops, err := Compile("history", tc.records, tc.limit)
			require.NoError(t, err)
			require.Equal(t, tc.want, ops)
		})
	}
}

func TestCompile_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		limit int
	}{
		{name: "empty path", path: "", limit: -25},
		{name: "empty segment", path: "playlist..tracks", limit: 0},
		{name: "trailing dot", path: "history.", limit: 0},
		{name: "operator segment", path: "$push", limit: 0},
		{name: "unrepresentable cap", path: "history", limit: math.MinInt},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ops, err := Compile(tc.path, records("a"), tc.limit)
			require.ErrorIs(t, err, core.ErrCompilation)
			require.Nil(t, ops)
		})
	}
}

func TestCompileAll_CoalescesSamePath(t *testing.T) {
	got, err := CompileAll([]Target{
		{Path: "history", Records: records("a"), Limit: -25},
		{Path: "playlist.200.tracks", Records: records("x")},
		{Path: "history", Records: records("b", "c"), Limit: -25},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "history", got[0].Path)
	require.Equal(t, []core.UpdateOperation{
		{Path: "history", Kind: core.OperationPushEach, Value: records("a", "b", "c")},
		{Path: "history", Kind: core.OperationSliceFromEnd, Bound: 25},
	}, got[0].Ops)

	require.Equal(t, "playlist.200.tracks", got[1].Path)
	require.Len(t, got[1].Ops, 1)
	for _, op := range got[1].Ops {
		require.Equal(t, "playlist.200.tracks", op.Path)
	}
}

func TestCompileAll_ConflictingCaps(t *testing.T) {
	_, err := CompileAll([]Target{
		{Path: "history", Records: records("a"), Limit: -25},
		{Path: "history", Records: records("b"), Limit: 10},
	})
	require.ErrorIs(t, err, core.ErrCompilation)
}

func TestCompileAll_FailsFastOnBadPath(t *testing.T) {
	got, err := CompileAll([]Target{
		{Path: "history", Records: records("a")},
		{Path: "", Records: records("b")},
	})
	require.ErrorIs(t, err, core.ErrCompilation)
	require.Nil(t, got)
}
