package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFindsNestedKey(t *testing.T) {
	raw := []byte(`{"x":{"y":{"workflow":{"id":1}}}}`)
	hit, err := Scan(raw, "payload")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "workflow", hit.Key)
	assert.Equal(t, "payload.x.y.workflow", hit.Path)
}

func TestScanCleanPayload(t *testing.T) {
	raw := []byte(`{"stabilityScore":0.28,"timeSinceReinforcement":90000,"nested":{"values":[1,2,3]}}`)
	hit, err := Scan(raw, "payload")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestScanArrayIndexPath(t *testing.T) {
	raw := []byte(`{"items":[{"ok":1},{"quiz":2}]}`)
	hit, err := Scan(raw, "payload")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "quiz", hit.Key)
	assert.Equal(t, "payload.items[1].quiz", hit.Path)
}

func TestScanFirstMatchInDocumentOrder(t *testing.T) {
	// Two forbidden keys; the one appearing first in the bytes wins,
	// even though it sorts later alphabetically.
	raw := []byte(`{"zz":{"url":1},"aa":{"button":1}}`)
	hit, err := Scan(raw, "state")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "state.zz.url", hit.Path)
}

func TestScanForbiddenKeyAtTopLevel(t *testing.T) {
	for _, key := range []string{"ui", "status", "progress_percent", "content_url"} {
		raw := []byte(`{"` + key + `":true}`)
		hit, err := Scan(raw, "payload")
		require.NoError(t, err)
		require.NotNil(t, hit, "key %q should be rejected", key)
		assert.Equal(t, key, hit.Key)
		assert.Equal(t, "payload."+key, hit.Path)
	}
}

func TestScanForbiddenKeyWithScalarValue(t *testing.T) {
	// The key itself is forbidden regardless of what it maps to.
	hit, err := Scan([]byte(`{"score":0.9}`), "payload")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "payload.score", hit.Path)
}

func TestScanNonContainerValues(t *testing.T) {
	for _, raw := range []string{`"workflow"`, `42`, `null`, `true`} {
		hit, err := Scan([]byte(raw), "payload")
		require.NoError(t, err)
		assert.Nil(t, hit, "scalar %s must not match", raw)
	}
}

func TestScanSimilarButAllowedKeys(t *testing.T) {
	// Substrings and different casing are not matches; the set is exact.
	raw := []byte(`{"workflows":1,"Status":2,"url_hash":3,"modules":4}`)
	hit, err := Scan(raw, "payload")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestScanMalformedJSON(t *testing.T) {
	_, err := Scan([]byte(`{"a":`), "payload")
	assert.Error(t, err)
}
