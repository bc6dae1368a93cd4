package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUIDint64(t *testing.T) {
	seen := make(map[int64]bool)
	var last int64
	for i := 0; i < 1000; i++ {
		id := UUIDint64()
		assert.False(t, seen[id])
		assert.Greater(t, id, last)
		seen[id] = true
		last = id
	}
}

func TestIfEmptyStr(t *testing.T) {
	assert.Equal(t, "def", IfEmptyStr("", "def"))
	assert.Equal(t, "def", IfEmptyStr(" N/A ", "def"))
	assert.Equal(t, "wlan0", IfEmptyStr("wlan0", "def"))
}
