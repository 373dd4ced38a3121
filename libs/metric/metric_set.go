package metric

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]MetricItem),
	}
}

// MetricSet 按label保存各模块的metric，供rpc查询
type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]MetricItem
}

// SetMetrics - 根据label设置对应的Metrics，如果有存在的label，则返回error
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, existed := ms.metrics[label]; existed {
		return errors.Wrap(ErrMetricLabelExist, label)
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	_, existed := ms.metrics[label]
	return existed
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

// GetAllLabels 返回排序后的全部label
func (ms *MetricSet) GetAllLabels() []string {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSONStrings label -> JSONString，labels为空时返回全部
func (ms *MetricSet) JSONStrings(labels ...string) map[string]string {
	if len(labels) == 0 {
		labels = ms.GetAllLabels()
	}
	res := make(map[string]string, len(labels))
	for _, l := range labels {
		if item := ms.GetMetrics(l); item != nil {
			res[l] = item.JSONString()
		}
	}
	return res
}
