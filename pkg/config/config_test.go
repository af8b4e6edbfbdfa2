package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCSV(t *testing.T) {
	t.Parallel()

	assert.Nil(t, CSV(""))
	assert.Equal(t, []string{"a:9092", "b:9092"}, CSV(" a:9092, ,b:9092 "))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PT_STR", "value")
	t.Setenv("PT_INT", "42")
	t.Setenv("PT_BAD_INT", "forty")
	t.Setenv("PT_DUR", "90m")
	t.Setenv("PT_BOOL", "false")

	assert.Equal(t, "value", EnvDefault("PT_STR", "def"))
	assert.Equal(t, "def", EnvDefault("PT_MISSING", "def"))
	assert.Equal(t, 42, EnvIntDefault("PT_INT", 1))
	assert.Equal(t, 1, EnvIntDefault("PT_BAD_INT", 1))
	assert.Equal(t, 90*time.Minute, EnvDurationDefault("PT_DUR", time.Hour))
	assert.Equal(t, time.Hour, EnvDurationDefault("PT_MISSING", time.Hour))
	assert.False(t, EnvBoolDefault("PT_BOOL", true))
	assert.True(t, EnvBoolDefault("PT_MISSING", true))
}
