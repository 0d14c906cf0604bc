// Package predictor implements the Predictor: low-cost per-resource-kind
// forecasts used to inform the rebalancer, plus a bounded
// task-completion-time series for reporting.
//
// The bounded per-kind sample ring mirrors a fixed-size ring buffer (write
// index plus a full flag); moving average, trend, and confidence are all
// recomputed directly from that ring, so an evicted sample drops out of all
// three on the same tick. The completion-time reporting series keeps a
// separate Welford accumulator for its lifetime mean alongside its own
// bounded ring for percentiles. Concurrent Refresh calls are coalesced with
// golang.org/x/sync/singleflight, since a rebalancer tick and an on-demand
// status query can race to recompute the same kind.
package predictor

import (
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dream-sh/dream-agent/internal/agent"
)

const (
	defaultMaxHistory      = 1024
	hourlyBuckets          = 24
	bottleneckThreshold    = 0.8
	defaultRefreshInterval = 30 * time.Second
	outlierThreshold       = time.Second
	completionSeriesCap    = 256
)

// welford tracks a running mean/variance using Welford's online algorithm.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) update(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

func (w *welford) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

func (w *welford) stddev() float64 {
	return math.Sqrt(w.variance())
}

// kindSeries holds the bounded history and seasonal accumulator for one
// resource kind.
type kindSeries struct {
	history     []float64
	historyIdx  int
	historyFull bool

	// hourlySum/hourlyCount implement the 24-bucket seasonal accumulator.
	hourlySum   [hourlyBuckets]float64
	hourlyCount [hourlyBuckets]int

	lastRefresh time.Time
}

func newKindSeries(maxHistory int) *kindSeries {
	return &kindSeries{history: make([]float64, maxHistory)}
}

func (s *kindSeries) push(sample float64, at time.Time) {
	s.history[s.historyIdx] = sample
	s.historyIdx++
	if s.historyIdx >= len(s.history) {
		s.historyIdx = 0
		s.historyFull = true
	}

	hour := at.Hour()
	s.hourlySum[hour] += sample
	s.hourlyCount[hour]++
}

func (s *kindSeries) samples() []float64 {
	if !s.historyFull {
		out := make([]float64, s.historyIdx)
		copy(out, s.history[:s.historyIdx])
		return out
	}
	n := len(s.history)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = s.history[(s.historyIdx+i)%n]
	}
	return out
}

func (s *kindSeries) totalSamples() int {
	if s.historyFull {
		return len(s.history)
	}
	return s.historyIdx
}

func (s *kindSeries) movingAverage() float64 {
	samples := s.samples()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// trend returns the most recent first difference of the history, reported
// to the scheduler as a simple leading indicator of direction.
func (s *kindSeries) trend() float64 {
	samples := s.samples()
	if len(samples) < 2 {
		return 0
	}
	return samples[len(samples)-1] - samples[len(samples)-2]
}

// seasonalFactor returns 1.0 until at least 24 samples have been observed
// in total, then (mean of hour h) / (mean across all 24 buckets).
func (s *kindSeries) seasonalFactor(hour int) float64 {
	if s.totalSamples() < hourlyBuckets {
		return 1.0
	}
	var grandSum float64
	var grandCount int
	for h := 0; h < hourlyBuckets; h++ {
		grandSum += s.hourlySum[h]
		grandCount += s.hourlyCount[h]
	}
	if grandCount == 0 || s.hourlyCount[hour] == 0 {
		return 1.0
	}
	grandMean := grandSum / float64(grandCount)
	if grandMean == 0 {
		return 1.0
	}
	hourMean := s.hourlySum[hour] / float64(s.hourlyCount[hour])
	return hourMean / grandMean
}

func (s *kindSeries) confidence() float64 {
	return 1.0 / (1.0 + sampleStddev(s.samples()))
}

// sampleStddev computes the stddev of a bounded slice directly, so
// confidence narrows or widens with the same ring movingAverage reads from
// rather than a lifetime accumulator that never evicts.
func sampleStddev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var mean float64
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	var sumSq float64
	for _, v := range samples {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(samples)-1))
}

// Forecast is the Predictor's output for one resource kind.
type Forecast struct {
	Kind                  agent.ResourceKind
	MovingAverage         float64
	Trend                 float64
	SeasonalFactor        float64
	PredictedUtilization  float64
	Confidence            float64
	Bottleneck            bool
	SampleCount           int
}

// Config configures the Predictor.
type Config struct {
	MaxHistory int
	Now        func() time.Time

	// MinRefreshInterval floors how often Refresh recomputes a kind's
	// forecast. Zero means defaultRefreshInterval.
	MinRefreshInterval time.Duration
}

// DefaultConfig returns the default max_history (1024) and a real clock.
func DefaultConfig() Config {
	return Config{MaxHistory: defaultMaxHistory, Now: time.Now, MinRefreshInterval: defaultRefreshInterval}
}

// Predictor produces low-cost per-kind forecasts and tracks task
// completion-time outliers. One Predictor serves one agent scheduler.
type Predictor struct {
	mu     sync.Mutex
	cfg    Config
	series [agent.NumResourceKinds]*kindSeries

	completions     []time.Duration
	completionStats welford
	outliers        int

	group singleflight.Group
	last  [agent.NumResourceKinds]Forecast
}

// New creates a Predictor.
func New(cfg Config) *Predictor {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultRefreshInterval
	}
	p := &Predictor{cfg: cfg}
	for k := 0; k < agent.NumResourceKinds; k++ {
		p.series[k] = newKindSeries(cfg.MaxHistory)
	}
	return p
}

// Observe records a fresh utilization sample for kind.
func (p *Predictor) Observe(kind agent.ResourceKind, utilization float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.series[kind].push(utilization, p.cfg.Now())
}

// ObserveCompletion appends a task's wall-clock completion duration to the
// bounded reporting series and tracks outliers (>1s). This
// series never feeds the forecast loop.
func (p *Predictor) ObserveCompletion(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, d)
	if len(p.completions) > completionSeriesCap {
		p.completions = p.completions[len(p.completions)-completionSeriesCap:]
	}
	p.completionStats.update(float64(d))
	if d > outlierThreshold {
		p.outliers++
	}
}

// CompletionStats reports the mean completion time and outlier count over
// every completion observed since construction, not only the ones still
// held in the bounded reporting series.
func (p *Predictor) CompletionStats() (mean time.Duration, outliers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.completionStats.mean), p.outliers
}

// CompletionPercentiles reports the p95 and p99 completion times over the
// bounded reporting series (nearest-rank, sorted ascending).
func (p *Predictor) CompletionPercentiles() (p95, p99 time.Duration) {
	p.mu.Lock()
	durations := append([]time.Duration(nil), p.completions...)
	p.mu.Unlock()

	if len(durations) == 0 {
		return 0, 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return durations[percentileIndex(len(durations), 0.95)], durations[percentileIndex(len(durations), 0.99)]
}

// percentileIndex returns the nearest-rank index into an n-length sorted
// slice for fraction q in [0, 1].
func percentileIndex(n int, q float64) int {
	idx := int(math.Ceil(q*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Refresh recomputes the forecast for kind, coalescing concurrent callers
// for the same kind and refusing to recompute more often than
// cfg.MinRefreshInterval. A too-soon call returns the
// last computed forecast.
func (p *Predictor) Refresh(kind agent.ResourceKind) Forecast {
	key := kind.String()
	v, _, _ := p.group.Do(key, func() (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()

		s := p.series[kind]
		now := p.cfg.Now()
		if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < p.cfg.MinRefreshInterval {
			return p.last[kind], nil
		}
		s.lastRefresh = now

		avg := s.movingAverage()
		seasonal := s.seasonalFactor(now.Hour())
		predicted := avg * seasonal

		f := Forecast{
			Kind:                 kind,
			MovingAverage:        avg,
			Trend:                s.trend(),
			SeasonalFactor:       seasonal,
			PredictedUtilization: predicted,
			Confidence:           s.confidence(),
			Bottleneck:           predicted > bottleneckThreshold,
			SampleCount:          s.totalSamples(),
		}
		p.last[kind] = f
		return f, nil
	})
	return v.(Forecast)
}

// RefreshAll refreshes every resource kind, returning forecasts indexed by
// kind.
func (p *Predictor) RefreshAll() [agent.NumResourceKinds]Forecast {
	var out [agent.NumResourceKinds]Forecast
	for k := 0; k < agent.NumResourceKinds; k++ {
		out[k] = p.Refresh(agent.ResourceKind(k))
	}
	return out
}
