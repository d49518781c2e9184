package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	data := map[string]interface{}{"name": "  Jane ", "blank": " ", "n": 3}

	s, err := String(data, "name")
	require.NoError(t, err)
	assert.Equal(t, "Jane", s)

	_, err = String(data, "blank")
	assert.Error(t, err)
	_, err = String(data, "n")
	assert.Error(t, err)
	_, err = String(data, "missing")
	assert.Error(t, err)

	assert.Equal(t, "Main Office", OptionalString(data, "venue", "Main Office"))
}

func TestNumber(t *testing.T) {
	data := map[string]interface{}{
		"f": 12.5, "i": 7, "j": json.Number("3"), "s": " 42 ", "bad": "x", "b": true,
	}

	for key, want := range map[string]float64{"f": 12.5, "i": 7, "j": 3, "s": 42} {
		got, err := Number(data, key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	_, err := Number(data, "bad")
	assert.Error(t, err)
	_, err = Number(data, "b")
	assert.Error(t, err)
	_, err = Number(data, "missing")
	assert.Error(t, err)
}

func TestStringList(t *testing.T) {
	list, err := StringList(map[string]interface{}{"docs": []interface{}{"a", " b "}}, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	list, err = StringList(map[string]interface{}{"docs": []string{"c"}}, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, list)

	_, err = StringList(map[string]interface{}{"docs": []interface{}{"a", 1}}, "docs")
	assert.Error(t, err)
	_, err = StringList(map[string]interface{}{"docs": "a"}, "docs")
	assert.Error(t, err)
}

func TestRecords(t *testing.T) {
	records, err := Records(map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"sku": "A"}},
	}, "items")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A", records[0]["sku"])

	_, err = Records(map[string]interface{}{"items": []interface{}{"A"}}, "items")
	assert.Error(t, err)
}

func TestSequence(t *testing.T) {
	assert.Equal(t, "ADM-2026-000042", Sequence("ADM", 2026, 42))
}
