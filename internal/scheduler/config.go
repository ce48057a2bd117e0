package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskConfig declares one scheduled task. Cron specs use the six-field
// form (seconds first).
type TaskConfig struct {
	Name        string        `yaml:"name"`
	Cron        string        `yaml:"cron"`
	Enabled     *bool         `yaml:"enabled"`
	SoftTimeout time.Duration `yaml:"soft_timeout"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// WorkerConfig caps resource use of the scheduling process.
type WorkerConfig struct {
	SoftMemoryMB uint64 `yaml:"soft_memory_mb"`
	HardMemoryMB uint64 `yaml:"hard_memory_mb"`
}

// ScheduleFile is the on-disk task list.
type ScheduleFile struct {
	Worker WorkerConfig `yaml:"worker"`
	Tasks  []TaskConfig `yaml:"tasks"`
}

// IsEnabled treats a missing flag as enabled.
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// applyDefaults fills the per-task limits the file may omit.
func (t *TaskConfig) applyDefaults() {
	if t.SoftTimeout <= 0 {
		t.SoftTimeout = 2 * time.Minute
	}
	if t.HardTimeout <= 0 {
		t.HardTimeout = 10 * time.Minute
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
}

// LoadScheduleFile reads and validates a YAML task file.
func LoadScheduleFile(path string) (*ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes YAML task definitions and applies defaults.
func ParseSchedule(data []byte) (*ScheduleFile, error) {
	var file ScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schedule file: %w", err)
	}

	seen := make(map[string]bool, len(file.Tasks))
	for i := range file.Tasks {
		task := &file.Tasks[i]
		if task.Name == "" {
			return nil, fmt.Errorf("task %d: missing name", i)
		}
		if task.Cron == "" {
			return nil, fmt.Errorf("task %s: missing cron spec", task.Name)
		}
		if seen[task.Name] {
			return nil, fmt.Errorf("task %s: duplicate name", task.Name)
		}
		seen[task.Name] = true
		task.applyDefaults()
	}
	if file.Worker.SoftMemoryMB == 0 {
		file.Worker.SoftMemoryMB = 512
	}

	return &file, nil
}

// DefaultSchedule is used when no schedule file is configured: main-market
// ingestion every quarter hour during business hours daily, the alternative
// segment at :00/:15/:45 on weekdays, hourly cache cleanup, nightly backup
// and nightly database maintenance. The list covers both services; each
// binary registers only the tasks it has jobs for.
func DefaultSchedule() *ScheduleFile {
	file := &ScheduleFile{
		Worker: WorkerConfig{SoftMemoryMB: 512},
		Tasks: []TaskConfig{
			{Name: "ingest-pl-wse", Cron: "0 0,15,30,45 8-17 * * *", SoftTimeout: 5 * time.Minute, HardTimeout: 12 * time.Minute, MaxRetries: 2},
			{Name: "ingest-pl-nc", Cron: "0 0,15,45 8-17 * * 1-5", SoftTimeout: 5 * time.Minute, HardTimeout: 12 * time.Minute, MaxRetries: 2},
			{Name: "cache-cleanup", Cron: "0 5 * * * *", SoftTimeout: time.Minute, HardTimeout: 5 * time.Minute},
			{Name: "backup", Cron: "0 30 2 * * *", SoftTimeout: 5 * time.Minute, HardTimeout: 30 * time.Minute, MaxRetries: 1},
			{Name: "maintenance", Cron: "0 45 3 * * *", SoftTimeout: 2 * time.Minute, HardTimeout: 15 * time.Minute},
		},
	}
	for i := range file.Tasks {
		file.Tasks[i].applyDefaults()
	}
	return file
}
