package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsInitialIDMap(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"initial", "         0          0 4294967295\n", true},
		{"single uid", "         0       1000          1\n", false},
		{"subordinate range", "0 100000 65536\n", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isInitialIDMap([]byte(tt.data)))
		})
	}
}

func TestLandlockHandledAccess(t *testing.T) {
	v1 := landlockHandledAccess(1)
	assert.Equal(t, uint64(0x1fff), v1)
	assert.Equal(t, v1|landlockAccessFSRefer, landlockHandledAccess(2))
	assert.Equal(t, v1|landlockAccessFSRefer|landlockAccessFSTruncate, landlockHandledAccess(3))
	assert.Equal(t, landlockHandledAccess(3), landlockHandledAccess(5))
}
