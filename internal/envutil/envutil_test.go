package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBool(t *testing.T) {
	t.Setenv("FLAG", "true")
	assert.True(t, Bool("FLAG", false))

	t.Setenv("FLAG", "0")
	assert.False(t, Bool("FLAG", true))

	assert.True(t, Bool("UNSET_FLAG_XYZ", true))
}

func TestString(t *testing.T) {
	t.Setenv("NAME", "val")
	assert.Equal(t, "val", String("NAME", "def"))
	assert.Equal(t, "def", String("UNSET_NAME_XYZ", "def"))
}

func TestInt(t *testing.T) {
	t.Setenv("COUNT", "42")
	assert.Equal(t, 42, Int("COUNT", 0))

	t.Setenv("COUNT", "not-a-number")
	assert.Equal(t, 7, Int("COUNT", 7))
}
