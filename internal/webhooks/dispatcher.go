package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/events"
)

const maxAttempts = 3

// Dispatcher consumes the event bus and delivers signed webhook POSTs
// through a background worker pool.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	eventCh    chan events.Event
	bus        *events.Bus
	wg         sync.WaitGroup
	once       sync.Once
}

type deliveryJob struct {
	sub     *Subscription
	event   events.Event
	attempt int
}

// NewDispatcher starts the worker pool and subscribes to collection
// events on the bus.
func NewDispatcher(registry *Registry, bus *events.Bus, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		bus:        bus,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.eventCh = bus.Subscribe(
		events.TypeCollectionStarted,
		events.TypeCollectionCompleted,
		events.TypeCollectionFailed,
	)
	d.wg.Add(1)
	go d.consume()

	return d
}

// consume fans bus events into per-subscriber delivery jobs.
func (d *Dispatcher) consume() {
	defer d.wg.Done()
	for event := range d.eventCh {
		for _, sub := range d.registry.Subscribers(event.Type) {
			select {
			case d.queue <- &deliveryJob{sub: sub, event: event, attempt: 1}:
			default:
				slog.Warn("webhook queue full, dropping event", "logger", "webhooks",
					"event", event.ID, "subscription", sub.ID)
			}
		}
	}
	close(d.queue)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		slog.Error("webhook payload marshal failed", "logger", "webhooks", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("webhook request build failed", "logger", "webhooks", "url", job.sub.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", job.event.Type)
	req.Header.Set("X-Webhook-ID", job.event.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, job.sub.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.retry(job, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.retry(job, fmt.Sprintf("status %d", resp.StatusCode))
		return
	}

	d.registry.MarkDelivered(job.sub.ID)
	slog.Debug("webhook delivered", "logger", "webhooks",
		"event", job.event.Type, "url", job.sub.URL, "attempt", job.attempt)
}

// retry re-queues with quadratic back-off until maxAttempts.
func (d *Dispatcher) retry(job *deliveryJob, cause string) {
	slog.Warn("webhook delivery failed", "logger", "webhooks",
		"url", job.sub.URL, "attempt", job.attempt, "cause", cause)
	d.registry.MarkFailed(job.sub.ID)

	if job.attempt >= maxAttempts {
		return
	}
	delay := time.Duration(job.attempt*job.attempt) * time.Second
	job.attempt++

	time.AfterFunc(delay, func() {
		defer func() { recover() }() // queue may close during shutdown
		select {
		case d.queue <- job:
		default:
		}
	})
}

// Shutdown unsubscribes from the bus and drains the worker pool.
func (d *Dispatcher) Shutdown() {
	d.once.Do(func() {
		d.bus.Unsubscribe(d.eventCh)
	})
	d.wg.Wait()
}
