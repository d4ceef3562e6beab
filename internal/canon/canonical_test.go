package canon

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", nil, "null"},
		{"string", "hello", `"hello"`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"uint32", uint32(7), "7"},
		{"bool", true, "true"},
		{"integral float", 150.0, "150"},
		{"fraction", 0.5, "0.5"},
		{"small float", 1e-7, "1e-7"},
		{"big float", 1e21, "1e+21"},
		{"json number int", json.Number("12"), "12"},
		{"json number float", json.Number("2.50"), "2.5"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"control escaped", "a\nb\x01", `"a\nb\u0001"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshal_SortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"b": 1, "a": 2},
		"beta":  []any{"x", 3},
	}
	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":2,"b":1},"beta":["x",3],"zebra":1}`, string(out))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as the surrogate 0xD83D, which sorts before U+FF61.
	// UTF-8 byte order would put U+FF61 first.
	obj := map[string]any{"｡": 1, "\U0001F600": 2}
	out, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"｡\":1}", string(out))
}

func TestMarshal_NFC(t *testing.T) {
	out, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(math.NaN())
	assert.Error(t, err)
	_, err = Marshal(math.Inf(1))
	assert.Error(t, err)
	_, err = Marshal(struct{}{})
	assert.Error(t, err)
}

func TestNormalize_Struct(t *testing.T) {
	type health struct {
		Max     int     `json:"max"`
		Current float64 `json:"current"`
	}
	out, err := Normalize(health{Max: 100, Current: 75})
	require.NoError(t, err)
	assert.Equal(t, `{"current":75,"max":100}`, string(out))
}

func TestFromJSON_Idempotent(t *testing.T) {
	first, err := FromJSON([]byte(`{ "b": [1, 2.0], "a": "x" }`))
	require.NoError(t, err)
	second, err := FromJSON(first)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[1,2]}`, string(first))
	assert.Equal(t, first, second)
}

func TestFingerprint_DomainSeparated(t *testing.T) {
	data := []byte(`{"a":1}`)
	h1 := Fingerprint(DomainState, data)
	h2 := Fingerprint(DomainComponent, data)

	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, StateHash(data))
}
