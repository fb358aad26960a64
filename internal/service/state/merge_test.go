package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepMerge(t *testing.T) {
	tests := []struct {
		name string
		dst  map[string]any
		src  map[string]any
		want map[string]any
	}{
		{
			"disjoint objects combine",
			map[string]any{"a": map[string]any{"b": 1.0}},
			map[string]any{"a": map[string]any{"c": 2.0}},
			map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}},
		},
		{
			"explicit null deletes",
			map[string]any{"a": 1.0},
			map[string]any{"a": nil},
			map[string]any{},
		},
		{
			"arrays replace wholesale",
			map[string]any{"a": []any{1.0}},
			map[string]any{"a": []any{2.0}},
			map[string]any{"a": []any{2.0}},
		},
		{
			"scalar overwrites object",
			map[string]any{"a": map[string]any{"b": 1.0}},
			map[string]any{"a": 5.0},
			map[string]any{"a": 5.0},
		},
		{
			"object overwrites scalar",
			map[string]any{"a": 5.0},
			map[string]any{"a": map[string]any{"b": 1.0}},
			map[string]any{"a": map[string]any{"b": 1.0}},
		},
		{
			"nested null deletes deep key",
			map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}},
			map[string]any{"a": map[string]any{"b": nil}},
			map[string]any{"a": map[string]any{"c": 2.0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deepMerge(tt.dst, tt.src))
		})
	}
}

func TestDeepMergeDoesNotMutateInput(t *testing.T) {
	dst := map[string]any{"a": 1.0, "b": 2.0}
	_ = deepMerge(dst, map[string]any{"a": nil, "b": 9.0})
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, dst)
}
