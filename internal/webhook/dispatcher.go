package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/ocrgate/internal/jobs"
)

// Headers set on every delivery.
const (
	HeaderSignature = "X-OCRGate-Signature"
	HeaderTimestamp = "X-OCRGate-Timestamp"
	HeaderEvent     = "X-OCRGate-Event"
	HeaderDelivery  = "X-OCRGate-Delivery"
)

const (
	userAgent        = "ocrgate-webhook/1"
	maxResponseBytes = 64 << 10
	recordTimeout    = 5 * time.Second
)

// Event stream names for delivery outcomes.
const (
	StreamDelivered = "webhook.delivered"
	StreamFailed    = "webhook.failed"
	StreamAborted   = "webhook.aborted"
	StreamDropped   = "webhook.dropped"
)

type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.QueueSize < 1 {
		c.QueueSize = 256
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * c.BackoffBase
	}
}

// work is either a finished job to fan out (attempt == 0) or one retry of a
// delivery to a single registration.
type work struct {
	job        jobs.Job
	event      string
	reg        Registration
	deliveryID string
	body       []byte
	attempt    int
}

// Dispatcher delivers terminal job notifications to registered webhooks.
// It is a jobs.Notifier: JobChanged never blocks the caller.
type Dispatcher struct {
	cfg    DispatcherConfig
	guard  *Guard
	store  Store
	events EventPublisher
	logger *slog.Logger
	queue  chan work
	now    func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, guard *Guard, store Store, events EventPublisher, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:    cfg,
		guard:  guard,
		store:  store,
		events: events,
		logger: logger,
		queue:  make(chan work, cfg.QueueSize),
		now:    time.Now,
	}
}

// JobChanged queues terminal jobs for fan-out. When the queue is full the
// notification is dropped and reported.
func (d *Dispatcher) JobChanged(job jobs.Job) {
	event := eventFor(job.Status)
	if event == "" {
		return
	}
	select {
	case d.queue <- work{job: job, event: event}:
	default:
		d.logger.Error("webhook queue full, notification dropped", "job_id", job.ID, "event", event, "queue_size", d.cfg.QueueSize)
		d.publish(StreamDropped, job.Owner, map[string]any{"job_id": job.ID, "event": event})
	}
}

// QueueLen is the number of notifications and retries waiting for a worker.
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

// Start runs the worker pool until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("webhook dispatcher started", "workers", d.cfg.Workers)
	defer d.logger.Info("webhook dispatcher stopped")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case w := <-d.queue:
					if w.attempt == 0 {
						d.fanOut(ctx, w)
					} else {
						d.attempt(ctx, w)
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) fanOut(ctx context.Context, w work) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	regs, err := d.store.ListRegistrations(lctx, w.job.Owner)
	cancel()
	if err != nil {
		d.logger.Error("list webhook registrations", "job_id", w.job.ID, "error", err)
		return
	}

	for _, reg := range regs {
		if !reg.Wants(w.event) {
			continue
		}
		deliveryID := uuid.NewString()
		body, err := json.Marshal(Payload{
			DeliveryID: deliveryID,
			Event:      w.event,
			SentAt:     d.now().UTC(),
			Job:        summarize(w.job),
		})
		if err != nil {
			d.logger.Error("encode webhook payload", "job_id", w.job.ID, "error", err)
			return
		}
		d.attempt(ctx, work{
			job:        w.job,
			event:      w.event,
			reg:        reg,
			deliveryID: deliveryID,
			body:       body,
			attempt:    1,
		})
	}
}

// attempt makes one delivery attempt and records it. Failed attempts are
// rescheduled with backoff until MaxAttempts.
func (d *Dispatcher) attempt(ctx context.Context, w work) {
	logger := d.logger.With("webhook_id", w.reg.ID, "job_id", w.job.ID, "delivery_id", w.deliveryID, "attempt", w.attempt)

	target, err := d.guard.Validate(ctx, w.reg.URL)
	if err != nil && !errors.Is(err, ErrUnresolvable) {
		logger.Warn("webhook destination rejected at send time", "error", err)
		d.record(ctx, w, OutcomeAborted, 0, err.Error())
		d.publish(StreamAborted, w.reg.Owner, d.eventData(w, 0, err.Error()))
		return
	}

	status := 0
	if err == nil {
		status, err = d.send(ctx, target, w)
	}
	if err == nil {
		logger.Info("webhook delivered", "status", status)
		d.record(ctx, w, OutcomeDelivered, status, "")
		d.publish(StreamDelivered, w.reg.Owner, d.eventData(w, status, ""))
		return
	}

	if w.attempt >= d.cfg.MaxAttempts {
		logger.Error("webhook delivery exhausted", "status", status, "error", fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
		d.record(ctx, w, OutcomeFailed, status, err.Error())
		d.publish(StreamFailed, w.reg.Owner, d.eventData(w, status, err.Error()))
		return
	}

	delay := d.backoff(w.attempt)
	logger.Warn("webhook attempt failed, retrying", "status", status, "error", err, "retry_in", delay.String())
	d.record(ctx, w, OutcomeRetrying, status, err.Error())

	next := w
	next.attempt++
	time.AfterFunc(delay, func() {
		select {
		case d.queue <- next:
		case <-ctx.Done():
		}
	})
}

// send POSTs the signed body to the vetted addresses only.
func (d *Dispatcher) send(ctx context.Context, target *Target, w work) (int, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, target.URL.String(), bytes.NewReader(w.body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, w.event)
	req.Header.Set(HeaderDelivery, w.deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(w.reg.Secret, ts, w.body))

	client := pinnedClient(target, d.cfg.Timeout)
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		// Drop the URL from the message; it may carry credentials in its query.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return 0, uerr.Err
		}
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// pinnedClient dials only the addresses the guard approved, so the
// transport cannot re-resolve the host to something else. Redirects and
// proxies are disabled.
func pinnedClient(target *Target, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var lastErr error
			for _, a := range target.Addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.Unmap().String(), target.Port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no addresses for %s", target.Host)
			}
			return nil, lastErr
		},
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          1,
		DisableKeepAlives:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// backoff is BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	return min(delay, d.cfg.BackoffMax)
}

func (d *Dispatcher) record(ctx context.Context, w work, outcome Outcome, status int, errMsg string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	err := d.store.RecordDelivery(rctx, Delivery{
		ID:             uuid.NewString(),
		DeliveryID:     w.deliveryID,
		RegistrationID: w.reg.ID,
		JobID:          w.job.ID,
		Event:          w.event,
		Attempt:        w.attempt,
		Outcome:        outcome,
		StatusCode:     status,
		Error:          errMsg,
		AttemptedAt:    d.now().UTC(),
	})
	if err != nil {
		d.logger.Warn("record webhook delivery", "webhook_id", w.reg.ID, "delivery_id", w.deliveryID, "error", err)
	}
}

func (d *Dispatcher) publish(eventType, owner string, data any) {
	if d.events != nil {
		d.events.Publish(eventType, owner, data)
	}
}

func (d *Dispatcher) eventData(w work, status int, errMsg string) map[string]any {
	data := map[string]any{
		"webhook_id":  w.reg.ID,
		"delivery_id": w.deliveryID,
		"job_id":      w.job.ID,
		"event":       w.event,
		"attempt":     w.attempt,
	}
	if status != 0 {
		data["status_code"] = status
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return data
}

func eventFor(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return EventJobCompleted
	case jobs.StatusFailed:
		return EventJobFailed
	}
	return ""
}

func summarize(job jobs.Job) JobSummary {
	return JobSummary{
		ID:          job.ID,
		Status:      string(job.Status),
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}
