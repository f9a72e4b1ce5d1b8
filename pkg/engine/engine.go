// Package engine is the monitor scheduler: it selects due monitors,
// runs their polls through a bounded worker pool, fans inbound webhooks
// out to matching monitors, and owns every cursor, counter, and status
// write.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taskops/sentinel/pkg/adapter"
	"github.com/taskops/sentinel/pkg/config"
	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
	"github.com/taskops/sentinel/pkg/triage"
)

// AdapterFactory builds the adapter for one monitor. Tests swap it for
// a stub; production uses adapter.New.
type AdapterFactory func(provider models.Provider, conn *models.Connection, providerConfig json.RawMessage, opts adapter.Options) (adapter.Adapter, error)

// Engine drives monitor polling and event processing.
type Engine struct {
	store       store.Store
	decryptor   store.Decryptor
	triage      *triage.Client
	cfg         config.EngineConfig
	newAdapter  AdapterFactory
	adapterOpts adapter.Options
	logger      *slog.Logger

	dispatch chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// inFlight guards against two workers polling one monitor at the
	// same time.
	mu       sync.Mutex
	inFlight map[string]bool
	started  bool
}

// New builds an engine. triageClient may be nil: triage then answers
// purely from fallbacks.
func New(st store.Store, decryptor store.Decryptor, triageClient *triage.Client, cfg config.EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      st,
		decryptor:  decryptor,
		triage:     triageClient,
		cfg:        cfg,
		newAdapter: adapter.New,
		adapterOpts: adapter.Options{
			HTTPTimeout: cfg.HTTPTimeout,
			Logger:      logger,
		},
		logger:   logger.With("component", "engine"),
		dispatch: make(chan string, cfg.WorkerCount*2),
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]bool),
	}
}

// SetAdapterFactory replaces adapter construction. Test hook.
func (e *Engine) SetAdapterFactory(f AdapterFactory) { e.newAdapter = f }

// SetAdapterOptions replaces the options passed to adapter
// construction. Test hook for pointing adapters at mock servers.
func (e *Engine) SetAdapterOptions(opts adapter.Options) { e.adapterOpts = opts }

// Start launches the worker pool and the scheduler tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.wg.Add(1)
	go e.tickLoop(ctx)

	e.logger.Info("Engine started",
		"workers", e.cfg.WorkerCount,
		"tick_interval", e.cfg.TickInterval,
		"poll_timeout", e.cfg.PollTimeout)
	return nil
}

// Stop drains the pool: no new monitors are dispatched, in-flight polls
// finish their current event, then workers exit. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Engine stopped")
	case <-time.After(e.cfg.GracefulShutdownTimeout):
		e.logger.Warn("Engine shutdown timeout exceeded")
	}
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.dispatchDue(ctx)
		}
	}
}

// dispatchDue queries due monitors once and hands each to the pool.
// Monitors already in flight, and monitors that do not fit the dispatch
// buffer, wait for a later tick.
func (e *Engine) dispatchDue(ctx context.Context) {
	monitors, err := e.store.FindDueMonitors(ctx, time.Now().UTC())
	if err != nil {
		e.logger.Error("Due-monitor query failed", "error", err)
		return
	}
	for _, m := range monitors {
		if !e.markInFlight(m.ID) {
			continue
		}
		select {
		case e.dispatch <- m.ID:
		default:
			e.clearInFlight(m.ID)
		}
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case monitorID := <-e.dispatch:
			if err := e.poll(context.Background(), monitorID, adapter.PollOptions{}, true); err != nil {
				e.logger.Warn("Poll finished with error",
					"worker", id, "monitor_id", monitorID, "error", err)
			}
			e.clearInFlight(monitorID)
		}
	}
}

func (e *Engine) markInFlight(monitorID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[monitorID] {
		return false
	}
	e.inFlight[monitorID] = true
	return true
}

func (e *Engine) clearInFlight(monitorID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, monitorID)
}

// InFlight reports how many monitors are currently being polled.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

// ErrPollInProgress is returned by PollMonitor and Backfill when the
// monitor is already being polled.
var ErrPollInProgress = errors.New("poll already in progress")

// PollMonitor runs one poll immediately, bypassing the due check but
// honoring the in-flight guard. Used by the admin poll-now endpoint.
func (e *Engine) PollMonitor(ctx context.Context, monitorID string) error {
	if !e.markInFlight(monitorID) {
		return ErrPollInProgress
	}
	defer e.clearInFlight(monitorID)
	return e.poll(ctx, monitorID, adapter.PollOptions{}, true)
}

// Backfill polls the monitor over a bounded window. The cursor is never
// persisted, whatever the outcome.
func (e *Engine) Backfill(ctx context.Context, monitorID string, oldest, latest time.Time) error {
	if !e.markInFlight(monitorID) {
		return ErrPollInProgress
	}
	defer e.clearInFlight(monitorID)
	return e.poll(ctx, monitorID, adapter.PollOptions{Oldest: oldest, Latest: latest}, false)
}

// poll is the per-monitor procedure: load, decrypt, adapt, poll,
// process, persist. persistCursor is false for backfills.
func (e *Engine) poll(ctx context.Context, monitorID string, opts adapter.PollOptions, persistCursor bool) error {
	monitor, err := e.store.GetMonitor(ctx, monitorID)
	if err != nil {
		return fmt.Errorf("loading monitor: %w", err)
	}
	if !eligible(monitor) {
		return fmt.Errorf("monitor %s is not pollable (status %s)", monitorID, monitor.Status)
	}
	logger := e.logger.With("monitor_id", monitorID, "provider", monitor.Provider)

	conn, err := e.credentials(ctx, monitor)
	if err != nil {
		logger.Error("Connection unavailable", "error", err)
		e.recordFailure(ctx, monitorID, models.ErrorKindConnection, "Connection not found or expired")
		return err
	}

	ad, err := e.newAdapter(monitor.Provider, conn, monitor.ProviderConfig, e.adapterOpts)
	if err != nil {
		logger.Error("Adapter construction failed", "error", err)
		e.recordFailure(ctx, monitorID, models.ErrorKindPermanent, err.Error())
		return err
	}

	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
	defer cancel()

	result, err := ad.Poll(pollCtx, monitor.PollCursor, opts)
	if err != nil {
		msg := err.Error()
		kind := adapter.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) && pollCtx.Err() != nil {
			msg = "poll timeout"
		}
		logger.Error("Poll failed", "kind", kind, "error", err)
		e.recordFailure(ctx, monitorID, kind, msg)
		return err
	}

	created := 0
	for i := range result.Events {
		ok, perr := e.processEvent(pollCtx, monitor, result.Events[i])
		if perr != nil {
			msg := perr.Error()
			if errors.Is(perr, context.DeadlineExceeded) && pollCtx.Err() != nil {
				msg = "poll timeout"
			}
			logger.Error("Event processing failed", "event_id", result.Events[i].ProviderEventID, "error", perr)
			e.recordFailure(ctx, monitorID, models.ErrorKindTransient, msg)
			return perr
		}
		if ok {
			created++
		}
	}

	now := time.Now().UTC()
	active := models.MonitorStatusActive
	clear := ""
	noKind := models.ErrorKindNone
	update := store.MonitorUpdate{
		Status:        &active,
		LastError:     &clear,
		LastErrorKind: &noKind,
		LastPolledAt:  &now,
	}
	if persistCursor {
		update.SetCursor = true
		update.PollCursor = result.Cursor
	}
	if len(result.Events) > 0 {
		update.LastEventAt = &now
		update.EventsDetectedDelta = len(result.Events)
		update.TasksCreatedDelta = created
	}
	if err := e.store.UpdateMonitor(ctx, monitorID, update); err != nil {
		return fmt.Errorf("persisting poll outcome: %w", err)
	}

	logger.Info("Poll complete",
		"events", len(result.Events), "tasks_created", created, "backfill", opts.Backfill())
	return nil
}

// eligible mirrors the due predicate's status rules without the timing
// part: manual polls skip the interval but never resurrect parked
// monitors.
func eligible(m *models.Monitor) bool {
	if m.DeletedAt != nil {
		return false
	}
	if m.Status == models.MonitorStatusActive {
		return true
	}
	return m.Status == models.MonitorStatusError && m.LastErrorKind == models.ErrorKindTransient
}

// credentials loads and decrypts the monitor's connection.
func (e *Engine) credentials(ctx context.Context, monitor *models.Monitor) (*models.Connection, error) {
	conn, err := e.store.GetConnection(ctx, monitor.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", monitor.ConnectionID, err)
	}
	access, err := e.decryptor.Decrypt(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	conn.AccessToken = access
	if conn.RefreshToken != "" {
		refresh, err := e.decryptor.Decrypt(conn.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypting refresh token: %w", err)
		}
		conn.RefreshToken = refresh
	}
	return conn, nil
}

func (e *Engine) recordFailure(ctx context.Context, monitorID string, kind models.ErrorKind, message string) {
	status := models.MonitorStatusError
	if err := e.store.UpdateMonitor(ctx, monitorID, store.MonitorUpdate{
		Status:        &status,
		LastError:     &message,
		LastErrorKind: &kind,
	}); err != nil {
		e.logger.Error("Failed to record monitor failure", "monitor_id", monitorID, "error", err)
	}
}

// HandleSlackWebhook fans one Slack Events API callback out to every
// active my_mentions monitor whose connection user is mentioned in the
// message. Cursors and last_polled_at are never touched here.
func (e *Engine) HandleSlackWebhook(ctx context.Context, payload []byte, headers map[string]string) (int, error) {
	var envelope struct {
		Type  string `json:"type"`
		Event struct {
			Text string `json:"text"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return 0, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if envelope.Type != "event_callback" {
		return 0, nil
	}

	monitors, err := e.store.FindActiveMonitorsByProvider(ctx, models.ProviderSlack)
	if err != nil {
		return 0, fmt.Errorf("listing slack monitors: %w", err)
	}

	total := 0
	for _, monitor := range monitors {
		var cfg models.SlackMonitorConfig
		if len(monitor.ProviderConfig) > 0 {
			if err := json.Unmarshal(monitor.ProviderConfig, &cfg); err != nil {
				continue
			}
		}
		if !cfg.MyMentions {
			continue
		}
		conn, err := e.credentials(ctx, monitor)
		if err != nil {
			e.logger.Warn("Skipping webhook for monitor without credentials",
				"monitor_id", monitor.ID, "error", err)
			continue
		}
		if conn.ProviderUserID == "" ||
			!containsMention(envelope.Event.Text, conn.ProviderUserID) {
			continue
		}

		ad, err := e.newAdapter(monitor.Provider, conn, monitor.ProviderConfig, e.adapterOpts)
		if err != nil {
			e.logger.Warn("Adapter construction failed for webhook", "monitor_id", monitor.ID, "error", err)
			continue
		}
		events, err := ad.HandleWebhook(ctx, payload, headers)
		if err != nil {
			e.logger.Warn("Webhook handling failed", "monitor_id", monitor.ID, "error", err)
			continue
		}

		created := 0
		for i := range events {
			ok, perr := e.processEvent(ctx, monitor, events[i])
			if perr != nil {
				e.logger.Error("Webhook event processing failed",
					"monitor_id", monitor.ID, "event_id", events[i].ProviderEventID, "error", perr)
				continue
			}
			if ok {
				created++
			}
		}
		if len(events) > 0 {
			now := time.Now().UTC()
			if err := e.store.UpdateMonitor(ctx, monitor.ID, store.MonitorUpdate{
				LastEventAt:         &now,
				EventsDetectedDelta: len(events),
				TasksCreatedDelta:   created,
			}); err != nil {
				e.logger.Error("Failed to update webhook counters", "monitor_id", monitor.ID, "error", err)
			}
		}
		total += created
	}
	return total, nil
}

// HandleProviderWebhook routes a generic inbound payload to one
// monitor's adapter.
func (e *Engine) HandleProviderWebhook(ctx context.Context, provider models.Provider, payload []byte, headers map[string]string) (int, error) {
	if provider == models.ProviderSlack {
		return e.HandleSlackWebhook(ctx, payload, headers)
	}
	monitors, err := e.store.FindActiveMonitorsByProvider(ctx, provider)
	if err != nil {
		return 0, fmt.Errorf("listing %s monitors: %w", provider, err)
	}
	total := 0
	for _, monitor := range monitors {
		conn, err := e.credentials(ctx, monitor)
		if err != nil {
			continue
		}
		ad, err := e.newAdapter(monitor.Provider, conn, monitor.ProviderConfig, e.adapterOpts)
		if err != nil {
			continue
		}
		events, err := ad.HandleWebhook(ctx, payload, headers)
		if err != nil {
			e.logger.Warn("Webhook handling failed", "monitor_id", monitor.ID, "error", err)
			continue
		}
		for i := range events {
			if ok, perr := e.processEvent(ctx, monitor, events[i]); perr == nil && ok {
				total++
			}
		}
	}
	return total, nil
}

func containsMention(text, userID string) bool {
	return strings.Contains(text, "<@"+userID+">") || strings.Contains(text, "<@"+userID+"|")
}
