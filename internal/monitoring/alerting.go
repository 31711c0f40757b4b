package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"
)

// AlertSeverity represents the severity of an alert
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeIntegrity    AlertType = "integrity"
	AlertTypeAvailability AlertType = "availability"
	AlertTypeReview       AlertType = "review"
)

// Alert represents an operator alert
type Alert struct {
	ID          string
	Type        AlertType
	Severity    AlertSeverity
	Title       string
	Description string
	Source      string
	Timestamp   time.Time
	Resolved    bool
	ResolvedAt  *time.Time
}

// AlertRule defines conditions for triggering alerts
type AlertRule struct {
	ID        string
	Name      string
	Type      AlertType
	Severity  AlertSeverity
	Condition AlertCondition
	Cooldown  time.Duration
	LastFired time.Time
}

// AlertCondition interface for alert conditions
type AlertCondition interface {
	Evaluate(ctx context.Context, data map[string]interface{}) (bool, string)
}

// AlertManager manages operator alerts
type AlertManager struct {
	*logger.WrappedLogger

	rules        map[string]*AlertRule
	activeAlerts map[string]*Alert
	history      []*Alert
	maxHistory   int

	metrics *MetricsCollector
	mu      sync.RWMutex

	Events struct {
		AlertTriggered *event.Event1[*Alert]
		AlertResolved  *event.Event1[*Alert]
	}
}

// NewAlertManager creates a new alert manager with the default rules
func NewAlertManager(log *logger.Logger, metrics *MetricsCollector) *AlertManager {
	am := &AlertManager{
		WrappedLogger: logger.NewWrappedLogger(log),
		rules:         make(map[string]*AlertRule),
		activeAlerts:  make(map[string]*Alert),
		history:       make([]*Alert, 0, 64),
		maxHistory:    1000,
		metrics:       metrics,
	}

	am.Events.AlertTriggered = event.New1[*Alert]()
	am.Events.AlertResolved = event.New1[*Alert]()

	am.initializeDefaultRules()

	return am
}

func (am *AlertManager) initializeDefaultRules() {
	// Vouchers refusing automated mutation
	am.AddRule(&AlertRule{
		ID:       "vouchers-flagged",
		Name:     "Vouchers Awaiting Manual Review",
		Type:     AlertTypeReview,
		Severity: SeverityCritical,
		Condition: &ThresholdCondition{
			Metric:    MetricFlaggedVouchers,
			Threshold: 0,
			Operator:  ">",
		},
	})

	// Ghost transfers left unresolved by reconciliation
	am.AddRule(&AlertRule{
		ID:       "ghost-transfers",
		Name:     "Unresolved Ghost Transfers",
		Type:     AlertTypeIntegrity,
		Severity: SeverityWarning,
		Condition: &ThresholdCondition{
			Metric:    MetricGhostTransfers,
			Threshold: 0,
			Operator:  ">",
		},
	})

	// Relay unreachable
	am.AddRule(&AlertRule{
		ID:       "relay-failures",
		Name:     "Relay Failures",
		Type:     AlertTypeAvailability,
		Severity: SeverityWarning,
		Condition: &ThresholdCondition{
			Metric:    MetricRelayFailures,
			Threshold: 5,
			Operator:  ">=",
		},
		Cooldown: 5 * time.Minute,
	})
}

// AddRule adds a new alert rule
func (am *AlertManager) AddRule(rule *AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.rules[rule.ID] = rule
	am.LogDebugf("Added alert rule: %s", rule.Name)
}

// RemoveRule removes an alert rule
func (am *AlertManager) RemoveRule(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	delete(am.rules, ruleID)
	am.LogDebugf("Removed alert rule: %s", ruleID)
}

// EvaluateRules evaluates all alert rules against the current metrics
func (am *AlertManager) EvaluateRules(ctx context.Context) {
	if am.metrics == nil {
		return
	}
	data := am.metrics.GetMetrics()

	am.mu.RLock()
	rules := make([]*AlertRule, 0, len(am.rules))
	for _, rule := range am.rules {
		rules = append(rules, rule)
	}
	am.mu.RUnlock()

	for _, rule := range rules {
		am.evaluateRule(ctx, rule, data)
	}
}

func (am *AlertManager) evaluateRule(ctx context.Context, rule *AlertRule, data map[string]interface{}) {
	triggered, description := rule.Condition.Evaluate(ctx, data)
	if !triggered {
		am.resolveRule(rule.ID)
		return
	}

	am.mu.RLock()
	active := am.activeForRule(rule.ID)
	lastFired := rule.LastFired
	am.mu.RUnlock()

	if active != nil || time.Since(lastFired) < rule.Cooldown {
		return
	}

	now := time.Now()
	am.Raise(&Alert{
		ID:          fmt.Sprintf("%s-%d", rule.ID, now.UnixNano()),
		Type:        rule.Type,
		Severity:    rule.Severity,
		Title:       rule.Name,
		Description: description,
		Source:      rule.ID,
		Timestamp:   now,
	})

	am.mu.Lock()
	rule.LastFired = now
	am.mu.Unlock()
}

// Raise records and announces an alert
func (am *AlertManager) Raise(alert *Alert) {
	am.mu.Lock()
	am.activeAlerts[alert.ID] = alert
	am.history = append(am.history, alert)
	if len(am.history) > am.maxHistory {
		am.history = am.history[1:]
	}
	am.mu.Unlock()

	if am.metrics != nil {
		am.metrics.RecordAlert(string(alert.Severity), string(alert.Type), true)
	}

	am.Events.AlertTriggered.Trigger(alert)

	am.LogWarnf("Alert triggered: %s - %s", alert.Title, alert.Description)
}

func (am *AlertManager) activeForRule(ruleID string) *Alert {
	for _, alert := range am.activeAlerts {
		if alert.Source == ruleID && !alert.Resolved {
			return alert
		}
	}
	return nil
}

func (am *AlertManager) resolveRule(ruleID string) {
	am.mu.Lock()
	var resolved []*Alert
	for _, alert := range am.activeAlerts {
		if alert.Source == ruleID && !alert.Resolved {
			now := time.Now()
			alert.Resolved = true
			alert.ResolvedAt = &now
			resolved = append(resolved, alert)
		}
	}
	am.mu.Unlock()

	for _, alert := range resolved {
		if am.metrics != nil {
			am.metrics.RecordAlert(string(alert.Severity), string(alert.Type), false)
		}
		am.Events.AlertResolved.Trigger(alert)
		am.LogInfof("Alert resolved: %s", alert.Title)
	}
}

// GetActiveAlerts returns all active alerts
func (am *AlertManager) GetActiveAlerts() []*Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]*Alert, 0, len(am.activeAlerts))
	for _, alert := range am.activeAlerts {
		if !alert.Resolved {
			alerts = append(alerts, alert)
		}
	}

	return alerts
}

// GetAlertHistory returns the last limit alerts
func (am *AlertManager) GetAlertHistory(limit int) []*Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	start := len(am.history) - limit
	if start < 0 {
		start = 0
	}

	result := make([]*Alert, len(am.history)-start)
	copy(result, am.history[start:])

	return result
}

// ThresholdCondition checks if a metric crosses a threshold
type ThresholdCondition struct {
	Metric    string
	Threshold float64
	Operator  string // ">", "<", ">=", "<=", "=="
}

func (tc *ThresholdCondition) Evaluate(_ context.Context, data map[string]interface{}) (bool, string) {
	value, ok := data[tc.Metric].(float64)
	if !ok {
		return false, ""
	}

	var triggered bool
	switch tc.Operator {
	case ">":
		triggered = value > tc.Threshold
	case "<":
		triggered = value < tc.Threshold
	case ">=":
		triggered = value >= tc.Threshold
	case "<=":
		triggered = value <= tc.Threshold
	case "==":
		triggered = value == tc.Threshold
	}

	if triggered {
		return true, fmt.Sprintf("%s is %.0f (threshold: %s %.0f)", tc.Metric, value, tc.Operator, tc.Threshold)
	}

	return false, ""
}
