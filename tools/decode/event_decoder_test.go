package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name"`
	Seq  int64  `json:"seq"`
}

func TestDecodeMap(t *testing.T) {
	// JSON 数字进 map 是 float64，钩子转回整型
	v, err := DecodeMap[sample](map[string]any{"name": "a", "seq": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, "a", v.Name)
	assert.Equal(t, int64(7), v.Seq)
}

func TestDecodeMapRejectsUnknownFields(t *testing.T) {
	_, err := DecodeMap[sample](map[string]any{"name": "a", "seq": 1, "extra": true})
	assert.Error(t, err)
}
