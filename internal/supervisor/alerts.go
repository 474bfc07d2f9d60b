package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// alertCenter deduplicates, escalates, and retires alerts. One center per
// supervisor; keys are (component, title).
type alertCenter struct {
	cfg     config.SupervisorConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	log     eventlog.Log
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*Alert // key: component + "/" + title
	byID   map[string]*Alert
}

func newAlertCenter(cfg config.SupervisorConfig, log eventlog.Log, metrics *telemetry.Metrics, logger zerolog.Logger) *alertCenter {
	return &alertCenter{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		active:  make(map[string]*Alert),
		byID:    make(map[string]*Alert),
	}
}

// Raise records an alert occurrence. A repeat of an unresolved alert within
// the cooldown only bumps its count; outside the cooldown it re-raises.
// Unacknowledged alerts escalate one level per escalation window, up to
// the configured maximum.
func (c *alertCenter) Raise(ctx context.Context, component, title, detail string, level int) Alert {
	now := c.now().UTC()
	key := component + "/" + title

	c.mu.Lock()
	existing, ok := c.active[key]
	if ok {
		existing.Count++
		existing.Detail = detail
		if level > existing.Level {
			existing.Level = level
		}
		withinCooldown := now.Sub(existing.LastRaisedAt) < c.cfg.AlertCooldown
		if !withinCooldown {
			existing.LastRaisedAt = now
		}
		if existing.AckedAt.IsZero() && existing.Level < c.cfg.MaxEscalation {
			// The window restarts at each step; the first step is measured
			// from the original raise.
			since := existing.RaisedAt
			if !existing.EscalatedAt.IsZero() {
				since = existing.EscalatedAt
			}
			if now.Sub(since) >= c.cfg.EscalateAfter {
				existing.Level++
				existing.EscalatedAt = now
				c.logger.Error().Str("alert_id", existing.ID).Str("title", title).
					Int("level", existing.Level).
					Msg("alert escalated: unacknowledged past window")
			}
		}
		snapshot := *existing
		c.mu.Unlock()
		if !withinCooldown {
			c.record(ctx, snapshot)
		}
		return snapshot
	}

	alert := &Alert{
		ID:           "alert-" + uuid.NewString(),
		Component:    component,
		Title:        title,
		Detail:       detail,
		Level:        level,
		RaisedAt:     now,
		LastRaisedAt: now,
		Count:        1,
	}
	c.active[key] = alert
	c.byID[alert.ID] = alert
	snapshot := *alert
	c.mu.Unlock()

	c.record(ctx, snapshot)
	return snapshot
}

func (c *alertCenter) record(ctx context.Context, alert Alert) {
	c.metrics.AlertsRaised.WithLabelValues(strconv.Itoa(alert.Level)).Inc()
	c.logger.Warn().Str("component", alert.Component).Str("title", alert.Title).
		Int("level", alert.Level).Int("count", alert.Count).Msg("alert")
	if _, err := c.log.Append(ctx, eventlog.KindAlert, alert.ID, alert); err != nil {
		c.logger.Error().Err(err).Msg("alert log append failed")
	}
}

// Ack acknowledges an alert, stopping its escalation clock.
func (c *alertCenter) Ack(id, by string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	alert, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.ResolvedAt.IsZero() {
		return fmt.Errorf("alert %s already resolved", id)
	}
	if alert.AckedAt.IsZero() {
		alert.AckedAt = c.now().UTC()
		alert.AckedBy = by
	}
	return nil
}

// Resolve retires an alert; the same (component, title) can then raise a
// fresh one.
func (c *alertCenter) Resolve(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	alert, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.ResolvedAt.IsZero() {
		return nil
	}
	alert.ResolvedAt = c.now().UTC()
	delete(c.active, alert.Component+"/"+alert.Title)
	delete(c.byID, id)
	return nil
}

// ResolveByKey retires the active alert for a (component, title) pair, if
// any. Used when the underlying condition clears on its own.
func (c *alertCenter) ResolveByKey(component, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := component + "/" + title
	if alert, ok := c.active[key]; ok {
		alert.ResolvedAt = c.now().UTC()
		delete(c.active, key)
		delete(c.byID, alert.ID)
	}
}

// Active returns unresolved alerts, newest first.
func (c *alertCenter) Active() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, 0, len(c.active))
	for _, alert := range c.active {
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}
