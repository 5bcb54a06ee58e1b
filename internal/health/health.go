// Package health runs periodic checks over the fleet and its host,
// triggers automatic recovery when a check keeps failing, and queues
// alerts for delivery.
//
// Each registered check runs on its own interval. A check that fails
// Retries times in a row fires its recovery function exactly once; further
// failures while that recovery runs are ignored. Recovery outcomes are
// pushed onto the alert queue, which a background drainer posts to the
// configured webhook in small batches.
package health

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a health verdict for one check or the whole system.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

// CheckFunc performs one health check. A returned error marks the check
// unhealthy with the error text attached.
type CheckFunc func(ctx context.Context) (Status, error)

// RecoverFunc attempts to repair a failing check. A nil return counts as a
// successful recovery.
type RecoverFunc func(ctx context.Context) error

// Check describes one periodic health check.
type Check struct {
	Name     string
	Run      CheckFunc
	Recover  RecoverFunc // optional
	Interval time.Duration
	Timeout  time.Duration
	Retries  int // consecutive failures before recovery fires
}

// Thresholds bounds host resource usage before the system check degrades.
type Thresholds struct {
	CPUPercent    float64 `mapstructure:"cpu_percent"`
	MemoryPercent float64 `mapstructure:"memory_percent"`
	DiskPercent   float64 `mapstructure:"disk_percent"`
}

// DefaultThresholds matches the shipped health configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 80, MemoryPercent: 85, DiskPercent: 90}
}

// Config carries monitor-wide settings.
type Config struct {
	Thresholds Thresholds
	WebhookURL string
}

type checkState struct {
	check               Check
	lastCheck           time.Time
	lastStatus          Status
	consecutiveFailures int
	errorMessage        string
}

// Monitor owns the check loops, the metrics sampler and the alert queue.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	metricsInterval  time.Duration
	alertInterval    time.Duration
	metricsRetention time.Duration

	sample SampleFunc
	post   webhookPoster
	now    func() time.Time

	mu         sync.Mutex
	order      []string // registration order, for stable reports
	checks     map[string]*checkState
	recovering map[string]bool
	alerts     []Alert
	history    []Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a Monitor with no checks registered.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Monitor{
		cfg:              cfg,
		logger:           logger.Named("health"),
		metricsInterval:  30 * time.Second,
		alertInterval:    10 * time.Second,
		metricsRetention: time.Hour,
		sample:           CollectMetrics,
		post:             postWebhook,
		now:              time.Now,
		checks:           make(map[string]*checkState),
		recovering:       make(map[string]bool),
	}
}

// Register adds a check. Registering an existing name replaces it.
func (m *Monitor) Register(c Check) {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[c.Name]; !exists {
		m.order = append(m.order, c.Name)
	}
	m.checks[c.Name] = &checkState{check: c, lastStatus: StatusUnknown}
	m.logger.Info("registered health check",
		zap.String("check", c.Name), zap.Duration("interval", c.Interval))
}

// Start launches every check loop plus the metrics sampler and alert
// drainer, then returns. Stop waits for them all.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	states := make([]*checkState, 0, len(m.order))
	for _, name := range m.order {
		states = append(states, m.checks[name])
	}
	m.mu.Unlock()

	for _, st := range states {
		m.wg.Add(1)
		go m.checkLoop(ctx, st)
	}

	m.wg.Add(2)
	go m.metricsLoop(ctx)
	go m.alertLoop(ctx)

	m.logger.Info("health monitoring started", zap.Int("checks", len(states)))
}

// Stop cancels the loops and waits for them to drain.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("health monitoring stopped")
}

func (m *Monitor) checkLoop(ctx context.Context, st *checkState) {
	defer m.wg.Done()

	ticker := time.NewTicker(st.check.Interval)
	defer ticker.Stop()

	for {
		m.runOnce(ctx, st)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOnce executes the check, updates its state and fires recovery when
// the failure streak crosses the retry budget.
func (m *Monitor) runOnce(ctx context.Context, st *checkState) {
	cctx, cancel := context.WithTimeout(ctx, st.check.Timeout)
	status, err := st.check.Run(cctx)
	cancel()

	errMsg := ""
	if err != nil {
		status = StatusUnhealthy
		errMsg = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			errMsg = "health check timed out"
		}
	}
	if status == "" {
		status = StatusUnknown
	}

	name := st.check.Name
	var triggerRecovery bool

	m.mu.Lock()
	st.lastCheck = m.now().UTC()
	st.lastStatus = status
	st.errorMessage = errMsg
	if status == StatusHealthy {
		st.consecutiveFailures = 0
		st.errorMessage = ""
	} else {
		st.consecutiveFailures++
		if st.check.Recover != nil &&
			st.consecutiveFailures >= st.check.Retries &&
			!m.recovering[name] {
			m.recovering[name] = true
			triggerRecovery = true
		}
	}
	m.mu.Unlock()

	checksTotal.WithLabelValues(name, string(status)).Inc()
	m.logger.Debug("health check ran",
		zap.String("check", name), zap.String("status", string(status)))

	if triggerRecovery {
		m.wg.Add(1)
		go m.performRecovery(ctx, st)
	}
}

// performRecovery runs the check's recovery function. The recovering flag
// set by runOnce guarantees a single flight per check.
func (m *Monitor) performRecovery(ctx context.Context, st *checkState) {
	defer m.wg.Done()
	name := st.check.Name

	defer func() {
		m.mu.Lock()
		delete(m.recovering, name)
		m.mu.Unlock()
	}()

	m.logger.Warn("performing recovery", zap.String("check", name))
	m.enqueueAlert(st, "recovery_started")

	err := st.check.Recover(ctx)
	if err != nil {
		m.logger.Error("recovery failed", zap.String("check", name), zap.Error(err))
		m.enqueueAlert(st, "recovery_failed")
		recoveriesTotal.WithLabelValues(name, "failed").Inc()
		return
	}

	m.logger.Info("recovery successful", zap.String("check", name))
	m.enqueueAlert(st, "recovery_succeeded")
	recoveriesTotal.WithLabelValues(name, "succeeded").Inc()
}

// CheckStatus is the reported state of a single check.
type CheckStatus struct {
	Status              Status  `json:"status"`
	LastCheck           *string `json:"last_check"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Error               string  `json:"error"`
}

// Overall is the aggregate health view.
type Overall struct {
	OverallStatus      Status                 `json:"overall_status"`
	Checks             map[string]CheckStatus `json:"checks"`
	Metrics            *Metrics               `json:"metrics"`
	AlertsPending      int                    `json:"alerts_pending"`
	RecoveryInProgress []string               `json:"recovery_in_progress"`
}

// Snapshot aggregates every check into one system verdict. Critical wins
// over unhealthy, unhealthy over degraded; unknown never downgrades a
// system with at least one known status, but a monitor that knows nothing
// yet reports unknown, not healthy.
func (m *Monitor) Snapshot() Overall {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := StatusHealthy
	known := false
	checks := make(map[string]CheckStatus, len(m.checks))
	for name, st := range m.checks {
		cs := CheckStatus{
			Status:              st.lastStatus,
			ConsecutiveFailures: st.consecutiveFailures,
			Error:               st.errorMessage,
		}
		if !st.lastCheck.IsZero() {
			ts := st.lastCheck.Format(time.RFC3339)
			cs.LastCheck = &ts
		}
		checks[name] = cs

		switch st.lastStatus {
		case StatusCritical:
			known = true
			overall = StatusCritical
		case StatusUnhealthy:
			known = true
			if overall != StatusCritical {
				overall = StatusUnhealthy
			}
		case StatusDegraded:
			known = true
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusHealthy:
			known = true
		}
	}
	if len(m.checks) > 0 && !known {
		overall = StatusUnknown
	}

	var latest *Metrics
	if len(m.history) > 0 {
		mcopy := m.history[len(m.history)-1]
		latest = &mcopy
	}

	recovering := make([]string, 0, len(m.recovering))
	for name := range m.recovering {
		recovering = append(recovering, name)
	}
	slices.Sort(recovering)

	return Overall{
		OverallStatus:      overall,
		Checks:             checks,
		Metrics:            latest,
		AlertsPending:      len(m.alerts),
		RecoveryInProgress: recovering,
	}
}
