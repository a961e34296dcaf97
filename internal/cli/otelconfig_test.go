package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOtelConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otel.yaml")
	writeFile(t, path, `
receivers:
  otlp:
    protocols:
      grpc:
exporters:
  debug:
  otlp:
    endpoint: 127.0.0.1:4317
  file:
    path: /var/otel/default/traces.jsonl
  file/traces:
    path: /var/otel/traces/traces.jsonl
  file/logs:
    path: /var/otel/logs/logs.jsonl
  file/unused:
    path: /var/otel/unused/traces.jsonl
service:
  pipelines:
    traces:
      receivers: [otlp]
      exporters: [debug, file]
    traces/archive:
      receivers: [otlp]
      exporters: [file/traces, file]
    logs:
      receivers: [otlp]
      exporters: [file/logs]
`)

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/otel/default", "/var/otel/traces"}, dirs)
}

func TestParseOtelConfigWithoutPipelines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otel.yaml")
	writeFile(t, path, `
exporters:
  otlp:
    endpoint: 127.0.0.1:4317
  file/a:
    path: /tmp/a/traces.jsonl
  file/b:
    path: /tmp/a/more.jsonl
  file/empty:
`)

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/a"}, dirs)
}

func TestParseOtelConfigNoTraceFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otel.yaml")
	writeFile(t, path, `
exporters:
  file/metrics:
    path: /tmp/metrics/m.jsonl
service:
  pipelines:
    metrics:
      exporters: [file/metrics]
`)

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Empty(t, dirs)
}

func TestParseOtelConfigErrors(t *testing.T) {
	_, err := ParseOtelConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "exporters: [unclosed")
	_, err = ParseOtelConfig(path)
	assert.Error(t, err)
}
