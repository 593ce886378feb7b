package canonical

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

func decode(t *testing.T, s string) []models.Object {
	t.Helper()
	var out struct {
		Data []models.Object `json:"data"`
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	return out.Data
}

func TestSerialize_Golden(t *testing.T) {
	tests := []struct {
		name    string
		records string
		ts      int64
	}{
		{
			name:    "empty",
			records: `{"data": []}`,
			ts:      0,
		},
		{
			name: "records_sorted_tombstones_dropped",
			records: `{"data": [
				{"id": "b", "last_modified": 3, "title": "second", "tags": ["x", "y"]},
				{"id": "c", "last_modified": 4, "deleted": true},
				{"id": "a", "last_modified": 2, "z": null, "enabled": true, "nested": {"k2": 2, "k1": -1}}
			]}`,
			ts: 1700000000000,
		},
		{
			name:    "escaping",
			records: `{"data": [{"id": "e", "html": "<a href=\"x\">&</a>", "ctrl": "tab\there\u0001", "slash": "a/b\\c"}]}`,
			ts:      5,
		},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Serialize(decode(t, tt.records), tt.ts)
			require.NoError(t, err)
			g.Assert(t, tt.name, out)
		})
	}
}

func TestMarshal_KeysSortedByUTF16(t *testing.T) {
	// U+FF61 sorts after U+1F600 in UTF-16 (surrogate 0xD83D < 0xFF61)
	// although its UTF-8 encoding sorts first.
	out, err := Marshal(map[string]any{"｡": int64(1), "\U0001F600": int64(2), "a": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":3,\"\U0001F600\":2,\"｡\":1}", string(out))
}

func TestMarshal_UnicodeIsNotEscaped(t *testing.T) {
	out, err := Marshal("é €")
	require.NoError(t, err)
	assert.Equal(t, "\"é €\"", string(out))
}

func TestMarshal_IntegersNormalised(t *testing.T) {
	out, err := Marshal([]any{json.Number("-0"), json.Number("12345678901234567890"), int64(-3), 7.0})
	require.NoError(t, err)
	assert.Equal(t, `[0,12345678901234567890,-3,7]`, string(out))
}

func TestMarshal_FloatsRejectedWithPath(t *testing.T) {
	_, err := Marshal(map[string]any{"a": map[string]any{"b": []any{json.Number("1"), json.Number("1.5")}}})
	require.ErrorIs(t, err, ErrFloat)
	assert.Contains(t, err.Error(), `"a.b.1"`)

	_, err = Marshal(json.Number("1e3"))
	require.ErrorIs(t, err, ErrFloat)

	_, err = Marshal(1.25)
	require.ErrorIs(t, err, ErrFloat)
}

func TestMarshal_UnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestSerialize_StableUnderShuffle(t *testing.T) {
	records := decode(t, `{"data": [
		{"id": "r1", "last_modified": 1, "v": 1},
		{"id": "r2", "last_modified": 2, "v": 2},
		{"id": "r10", "last_modified": 3, "v": 3},
		{"id": "R0", "last_modified": 4, "v": 4},
		{"id": "gone", "last_modified": 5, "deleted": true}
	]}`)

	want, err := Serialize(records, 99)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Object(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Serialize(shuffled, 99)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
	assert.Equal(t,
		`{"data":[{"id":"R0","last_modified":4,"v":4},{"id":"r1","last_modified":1,"v":1},{"id":"r10","last_modified":3,"v":3},{"id":"r2","last_modified":2,"v":2}],"last_modified":"99"}`,
		string(want))
}
