package metrics

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	storage tstorage.Storage
	gauges  = make(map[string]int64)
)

var ErrNotInitialized = errors.New("metrics storage not initialized")

// InitMetrics opens the time series storage under <workdir>/data/metrics.
func InitMetrics(workdir string) error {
	dataPath := filepath.Join(workdir, "data", "metrics")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return errors.Wrap(err, "create metrics dir")
	}
	st, err := tstorage.NewStorage(
		tstorage.WithDataPath(dataPath),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithPartitionDuration(time.Hour),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return errors.Wrap(err, "open metrics storage")
	}
	mu.Lock()
	old := storage
	storage = st
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	zap.L().Info("metrics storage ready", zap.String("path", dataPath))
	return nil
}

// SetGauge records the current value of a gauge and appends it to its series.
func SetGauge(name string, value int64) {
	mu.Lock()
	gauges[name] = value
	mu.Unlock()
	_ = WritePoint(name, nil, float64(value))
}

func GetGauge(name string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return gauges[name]
}

// Point is one sample for WritePoints.
type Point struct {
	Metric string
	Labels map[string]string
	Value  float64
}

func toLabels(m map[string]string) []tstorage.Label {
	if len(m) == 0 {
		return nil
	}
	labels := make([]tstorage.Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, tstorage.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func WritePoint(metric string, labels map[string]string, value float64) error {
	return WritePoints([]Point{{Metric: metric, Labels: labels, Value: value}})
}

// WritePoints stores all points with the current timestamp.
func WritePoints(points []Point) error {
	if len(points) == 0 {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return ErrNotInitialized
	}
	ts := time.Now().Unix()
	rows := make([]tstorage.Row, 0, len(points))
	for _, p := range points {
		rows = append(rows, tstorage.Row{
			Metric:    p.Metric,
			Labels:    toLabels(p.Labels),
			DataPoint: tstorage.DataPoint{Value: p.Value, Timestamp: ts},
		})
	}
	return storage.InsertRows(rows)
}

// Select returns the samples of metric in [start, end).
func Select(metric string, labels map[string]string, start, end time.Time) ([]*tstorage.DataPoint, error) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return nil, ErrNotInitialized
	}
	points, err := storage.Select(metric, toLabels(labels), start.Unix(), end.Unix())
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return nil, nil
	}
	return points, err
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
