package metric

import (
	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"
)

// MetricItem - 一个独立的metric模块对应一个MetricItem
type MetricItem interface {
	JSONString() string
}

// RegistryItem 把go-metrics的registry包装成MetricItem
type RegistryItem struct {
	Registry gometrics.Registry
}

func (r RegistryItem) JSONString() string {
	s, _ := jsoniter.MarshalToString(r.Registry.GetAll())
	return s
}
