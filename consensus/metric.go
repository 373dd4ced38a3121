package consensus

import (
	"time"

	cstypes "chainbft_node/consensus/types"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics 共识相关的计数，注册在独立的go-metrics registry中
type Metrics struct {
	registry gometrics.Registry

	forkStatus     map[cstypes.ForkStatus]gometrics.Counter
	executed       gometrics.Counter
	deleted        gometrics.Counter
	penalties      gometrics.Counter
	syncRuns       gometrics.Counter
	syncFailures   gometrics.Counter
	generated      gometrics.Counter
	execution      gometrics.Timer
	height         gometrics.Gauge
	finalized      gometrics.Gauge
	commitPoolSize gometrics.Gauge
}

func NewMetrics() *Metrics {
	r := gometrics.NewRegistry()
	m := &Metrics{
		registry:       r,
		forkStatus:     make(map[cstypes.ForkStatus]gometrics.Counter),
		executed:       gometrics.NewRegisteredCounter("blocks_executed", r),
		deleted:        gometrics.NewRegisteredCounter("blocks_deleted", r),
		penalties:      gometrics.NewRegisteredCounter("peer_penalties", r),
		syncRuns:       gometrics.NewRegisteredCounter("sync_runs", r),
		syncFailures:   gometrics.NewRegisteredCounter("sync_failures", r),
		generated:      gometrics.NewRegisteredCounter("blocks_generated", r),
		execution:      gometrics.NewRegisteredTimer("block_execution", r),
		height:         gometrics.NewRegisteredGauge("height", r),
		finalized:      gometrics.NewRegisteredGauge("finalized_height", r),
		commitPoolSize: gometrics.NewRegisteredGauge("commit_pool_size", r),
	}
	for _, status := range []cstypes.ForkStatus{
		cstypes.ForkStatusIdenticalBlock,
		cstypes.ForkStatusValidBlock,
		cstypes.ForkStatusDoubleForging,
		cstypes.ForkStatusTieBreak,
		cstypes.ForkStatusDifferentChain,
		cstypes.ForkStatusDiscard,
	} {
		m.forkStatus[status] = gometrics.NewRegisteredCounter("fork_status."+status.String(), r)
	}
	return m
}

func (m *Metrics) Registry() gometrics.Registry {
	return m.registry
}

func (m *Metrics) MarkForkStatus(status cstypes.ForkStatus) {
	if c, ok := m.forkStatus[status]; ok {
		c.Inc(1)
	}
}

func (m *Metrics) MarkExecuted(start time.Time, height, finalized int64) {
	m.executed.Inc(1)
	m.execution.UpdateSince(start)
	m.height.Update(height)
	m.finalized.Update(finalized)
}

func (m *Metrics) MarkDeleted(height int64) {
	m.deleted.Inc(1)
	m.height.Update(height)
}

func (m *Metrics) MarkPenalty() {
	m.penalties.Inc(1)
}

func (m *Metrics) MarkSync(err error) {
	m.syncRuns.Inc(1)
	if err != nil {
		m.syncFailures.Inc(1)
	}
}

func (m *Metrics) MarkGenerated() {
	m.generated.Inc(1)
}

func (m *Metrics) MarkCommitPoolSize(size int) {
	m.commitPoolSize.Update(int64(size))
}

// JSONString 实现metric.MetricItem
func (m *Metrics) JSONString() string {
	s, _ := jsoniter.MarshalToString(m.registry.GetAll())
	return s
}
