// ============================================================================
// Beaver-Batch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露叢集心跳、作業與步驟的運行指標
//
// 指標分類:
//
//   1. 心跳 (Counter / Histogram):
//      - beaver_ticks_total: 心跳次數（含失敗）
//      - beaver_tick_errors_total: 心跳失敗次數
//      - beaver_tick_duration_seconds: 單次心跳耗時
//
//   2. 叢集狀態 (Gauge):
//      - beaver_leader: 本節點是否為 leader（1/0）
//      - beaver_dead_nodes: leader 最近一次觀察到的死亡節點數
//
//   3. 作業與步驟 (Counter):
//      - beaver_job_runs_{started,completed,failed}_total
//      - beaver_step_runs_{claimed,completed,failed}_total
//      - beaver_step_claims_released_total: 從死亡節點釋放的認領
//      - beaver_batch_items_processed_total
//      - beaver_cron_fires_total
//
//   4. 步驟耗時 (Histogram):
//      - beaver_step_run_duration_seconds
//
// 多節點:
//   每個指標帶 node 常數標籤，同一程序內的多個節點可共用一個 Registry
//
// 空值安全:
//   *Collector 為 nil 時所有方法都是 no-op，元件不必判斷是否啟用監控
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 心跳
	ticks        prometheus.Counter
	tickErrors   prometheus.Counter
	tickDuration prometheus.Histogram

	// 叢集狀態
	leader    prometheus.Gauge
	deadNodes prometheus.Gauge

	// 作業
	jobRunsStarted   prometheus.Counter
	jobRunsCompleted prometheus.Counter
	jobRunsFailed    prometheus.Counter

	// 步驟
	stepRunsClaimed   prometheus.Counter
	stepRunsCompleted prometheus.Counter
	stepRunsFailed    prometheus.Counter
	stepDuration      prometheus.Histogram
	claimsReleased    prometheus.Counter
	itemsProcessed    prometheus.Counter

	// 排程
	cronFires prometheus.Counter
}

// NewCollector 創建指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標，nil 時使用 prometheus.DefaultRegisterer
//   - nodeID: 寫入 node 常數標籤
func NewCollector(reg prometheus.Registerer, nodeID string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"node": nodeID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "beaver",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "beaver",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	histogram := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "beaver",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		})
	}

	c := &Collector{
		ticks:             counter("ticks_total", "Total number of heartbeat ticks"),
		tickErrors:        counter("tick_errors_total", "Total number of heartbeat ticks aborted by an error"),
		tickDuration:      histogram("tick_duration_seconds", "Heartbeat tick duration in seconds"),
		leader:            gauge("leader", "1 when this node holds the leader lease"),
		deadNodes:         gauge("dead_nodes", "Dead nodes observed by the leader on its last tick"),
		jobRunsStarted:    counter("job_runs_started_total", "Total number of job runs started"),
		jobRunsCompleted:  counter("job_runs_completed_total", "Total number of job runs completed"),
		jobRunsFailed:     counter("job_runs_failed_total", "Total number of job runs failed"),
		stepRunsClaimed:   counter("step_runs_claimed_total", "Total number of step runs claimed by this node"),
		stepRunsCompleted: counter("step_runs_completed_total", "Total number of step runs completed"),
		stepRunsFailed:    counter("step_runs_failed_total", "Total number of step runs failed"),
		stepDuration:      histogram("step_run_duration_seconds", "Step run execution time in seconds"),
		claimsReleased:    counter("step_claims_released_total", "Total number of step claims released from dead nodes"),
		itemsProcessed:    counter("batch_items_processed_total", "Total number of batch items processed"),
		cronFires:         counter("cron_fires_total", "Total number of scheduled job fires"),
	}

	reg.MustRegister(
		c.ticks, c.tickErrors, c.tickDuration,
		c.leader, c.deadNodes,
		c.jobRunsStarted, c.jobRunsCompleted, c.jobRunsFailed,
		c.stepRunsClaimed, c.stepRunsCompleted, c.stepRunsFailed, c.stepDuration,
		c.claimsReleased, c.itemsProcessed, c.cronFires,
	)
	return c
}

// ObserveTick 記錄一次心跳
func (c *Collector) ObserveTick(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	if err != nil {
		c.tickErrors.Inc()
	}
	c.tickDuration.Observe(d.Seconds())
}

// SetLeader 設置 leader 狀態
func (c *Collector) SetLeader(isLeader bool) {
	if c == nil {
		return
	}
	if isLeader {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
}

// SetDeadNodes 設置死亡節點數
func (c *Collector) SetDeadNodes(n int) {
	if c == nil {
		return
	}
	c.deadNodes.Set(float64(n))
}

// JobRunStarted 記錄作業開始
func (c *Collector) JobRunStarted() {
	if c == nil {
		return
	}
	c.jobRunsStarted.Inc()
}

// JobRunCompleted 記錄作業完成
func (c *Collector) JobRunCompleted() {
	if c == nil {
		return
	}
	c.jobRunsCompleted.Inc()
}

// JobRunFailed 記錄作業失敗
func (c *Collector) JobRunFailed() {
	if c == nil {
		return
	}
	c.jobRunsFailed.Inc()
}

// StepRunClaimed 記錄認領到一個步驟
func (c *Collector) StepRunClaimed() {
	if c == nil {
		return
	}
	c.stepRunsClaimed.Inc()
}

// StepRunFinished 記錄步驟結束與耗時
func (c *Collector) StepRunFinished(d time.Duration, failed bool) {
	if c == nil {
		return
	}
	if failed {
		c.stepRunsFailed.Inc()
	} else {
		c.stepRunsCompleted.Inc()
	}
	c.stepDuration.Observe(d.Seconds())
}

// ClaimsReleased 記錄釋放的認領數
func (c *Collector) ClaimsReleased(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.claimsReleased.Add(float64(n))
}

// ItemsProcessed 記錄批次處理的項目數
func (c *Collector) ItemsProcessed(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.itemsProcessed.Add(float64(n))
}

// CronFired 記錄一次排程觸發
func (c *Collector) CronFired() {
	if c == nil {
		return
	}
	c.cronFires.Inc()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - ctx: 生命週期
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源，nil 時使用 prometheus.DefaultGatherer
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時返回 nil
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
