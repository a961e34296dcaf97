package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// collectorConfig holds the parts of an OpenTelemetry Collector config that
// locate trace files: file exporter paths and the pipelines that use them.
type collectorConfig struct {
	Exporters map[string]struct {
		Path string `yaml:"path"`
	} `yaml:"exporters"`
	Service struct {
		Pipelines map[string]struct {
			Exporters []string `yaml:"exporters"`
		} `yaml:"pipelines"`
	} `yaml:"service"`
}

// isFileExporter matches the collector's "file" and "file/<name>" ids.
func isFileExporter(id string) bool {
	return id == "file" || strings.HasPrefix(id, "file/")
}

// isTracesPipeline matches "traces" and "traces/<name>" pipeline ids.
func isTracesPipeline(id string) bool {
	return id == "traces" || strings.HasPrefix(id, "traces/")
}

// ParseOtelConfig reads a Collector config and returns the sorted, unique
// directories of file exporters fed by a traces pipeline. File exporters
// only used by logs or metrics pipelines are ignored. A config without a
// service.pipelines section yields every file exporter.
func ParseOtelConfig(configPath string) ([]string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read otel config: %w", err)
	}

	var config collectorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse otel config: %w", err)
	}

	var ids []string
	if len(config.Service.Pipelines) == 0 {
		for id := range config.Exporters {
			ids = append(ids, id)
		}
	} else {
		for pipeline, p := range config.Service.Pipelines {
			if isTracesPipeline(pipeline) {
				ids = append(ids, p.Exporters...)
			}
		}
	}

	var dirs []string
	for _, id := range ids {
		exporter, ok := config.Exporters[id]
		if !ok || !isFileExporter(id) || exporter.Path == "" {
			continue
		}
		dirs = append(dirs, filepath.Dir(exporter.Path))
	}
	slices.Sort(dirs)

	return slices.Compact(dirs), nil
}
