package logx

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PerformanceLogger tracks duration and success statistics for named
// operations such as scans and positioning lookups
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration
	metrics       map[string]*PerformanceMetric
	mu            sync.Mutex
}

// PerformanceMetric holds the running statistics of one operation
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	SuccessRate   float64       `json:"success_rate"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// Operation is an in-flight tracked operation
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger. Operations slower than
// slowThreshold are logged at info level; zero disables that.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// StartOperation begins timing an operation. A nil receiver is allowed.
func (pl *PerformanceLogger) StartOperation(name string) *Operation {
	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome of the operation
func (op *Operation) Complete(err error) time.Duration {
	duration := time.Since(op.start)
	if op.pl == nil {
		return duration
	}

	pl := op.pl
	pl.mu.Lock()
	metric, ok := pl.metrics[op.name]
	if !ok {
		metric = &PerformanceMetric{Name: op.name, MinDuration: duration}
		pl.metrics[op.name] = metric
	}
	metric.Count++
	metric.TotalDuration += duration
	metric.LastExecuted = time.Now()
	if duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	metric.AvgDuration = metric.TotalDuration / time.Duration(metric.Count)
	if err != nil {
		metric.ErrorCount++
	}
	metric.SuccessRate = float64(metric.Count-metric.ErrorCount) / float64(metric.Count) * 100
	snapshot := *metric
	pl.mu.Unlock()

	if err != nil {
		pl.logger.Debug("Operation failed",
			"operation", op.name,
			"duration", duration.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate),
		)
	} else if pl.slowThreshold > 0 && duration > pl.slowThreshold {
		pl.logger.Info("Slow operation completed",
			"operation", op.name,
			"duration", duration.String(),
			"avg_duration", snapshot.AvgDuration.String(),
		)
	}

	return duration
}

// GetMetric returns a copy of the named metric, or nil
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	if pl == nil {
		return nil
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	metric, ok := pl.metrics[name]
	if !ok {
		return nil
	}
	copied := *metric
	return &copied
}

// Snapshot returns copies of all metrics sorted by name
func (pl *PerformanceLogger) Snapshot() []PerformanceMetric {
	if pl == nil {
		return nil
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]PerformanceMetric, 0, len(pl.metrics))
	for _, metric := range pl.metrics {
		out = append(out, *metric)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogMetrics writes a summary line per operation
func (pl *PerformanceLogger) LogMetrics() {
	for _, metric := range pl.Snapshot() {
		pl.logger.Info("Performance metric summary",
			"operation", metric.Name,
			"total_operations", metric.Count,
			"avg_duration", metric.AvgDuration.String(),
			"min_duration", metric.MinDuration.String(),
			"max_duration", metric.MaxDuration.String(),
			"success_rate", fmt.Sprintf("%.2f%%", metric.SuccessRate),
			"error_count", metric.ErrorCount,
		)
	}
}
