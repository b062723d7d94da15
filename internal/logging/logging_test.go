package logging

import (
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, log.WarnLevel, parseLevel("warning"))
	assert.Equal(t, log.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, log.InfoLevel, parseLevel(""))
	assert.Equal(t, log.InfoLevel, parseLevel("verbose"))
}
