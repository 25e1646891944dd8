package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersAreNoopsBeforeInit(t *testing.T) {
	Logger = nil
	assert.NotPanics(t, func() {
		Info("info")
		Warn("warn")
		Error("error")
		Debug("debug")
	})
}

func TestInitLoggerTo_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	defer func() { Logger = nil }()

	Debug("hidden at info level")
	Info("pipeline stage", "stage", "extracted", "job_id", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "pipeline stage", entry["msg"])
	assert.Equal(t, "extracted", entry["stage"])
	assert.Equal(t, "pii-redactor", entry["service"])
}

func TestQueueLogger(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, true)
	defer func() { Logger = nil }()

	QueueLogger{}.Warn("lease expired for ", 3, " tasks")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes()[bytes.LastIndexByte(buf.Bytes()[:buf.Len()-1], '\n')+1:], &entry))
	assert.Equal(t, "lease expired for 3 tasks", entry["msg"])
	assert.Equal(t, "asynq", entry["component"])
	assert.Equal(t, "WARN", entry["level"])
}
