package logger_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/logger"
)

func TestWithFields(t *testing.T) {
	var buffer bytes.Buffer

	log, err := logger.New(logger.Configuration{Level: logger.INFO_LEVEL, Writer: &buffer})
	require.NoError(t, err)

	log.WithFields(slog.String("component", "outbox")).
		WithError(errors.New("boom")).
		WithTags(map[string]string{"env": "test", "": "skip"}).
		Info("processed")

	response := decode(t, &buffer)
	assert.Equal(t, "outbox", response["component"])
	assert.Equal(t, "boom", response["error"])
	assert.Equal(t, "test", response["env"])
}

func TestWithNoop(t *testing.T) {
	log := logger.NewNoop()

	assert.Same(t, log, log.WithFields())
	assert.Same(t, log, log.WithError(nil))
	assert.Same(t, log, log.WithTags(nil))
	require.NoError(t, log.Close())
}
