// Package webhook delivers tenant events to their configured callback URL
// through a single ordered in-memory queue.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"go.uber.org/zap"
)

// errEncode marks a payload that can never be sent.
var errEncode = errors.New("failed to encode payload")

// Options are the queue timings.
type Options struct {
	Timeout     time.Duration
	Pause       time.Duration
	Tick        time.Duration
	MaxAttempts int
}

func DefaultOptions() Options {
	return Options{
		Timeout:     10 * time.Second,
		Pause:       time.Second,
		Tick:        5 * time.Second,
		MaxAttempts: 3,
	}
}

// Payload is the JSON body posted to the tenant.
type Payload struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	ClientID  string      `json:"clientId"`
}

// Job is one pending delivery. Attempt starts at 1.
type Job struct {
	URL        string
	Payload    Payload
	TenantID   uuid.UUID
	APIToken   string
	Attempt    int
	EnqueuedAt time.Time
}

// SubscriptionSource loads a tenant's webhook settings when none are cached.
type SubscriptionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
}

type subscription struct {
	url      string
	apiToken string
}

// Queue serializes webhook deliveries: one worker, one request in flight.
type Queue struct {
	opts   Options
	client *http.Client
	source SubscriptionSource
	log    *zap.Logger

	mu   sync.Mutex
	jobs []Job
	subs map[uuid.UUID]subscription
	wake chan struct{}
}

func New(source SubscriptionSource, opts Options, log *zap.Logger) *Queue {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Pause < 0 {
		opts.Pause = def.Pause
	}
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		source: source,
		log:    log,
		subs:   make(map[uuid.UUID]subscription),
		wake:   make(chan struct{}, 1),
	}
}

// Subscribe caches the tenant's callback. An empty URL is refused.
func (q *Queue) Subscribe(tenantID uuid.UUID, url, apiToken string) bool {
	if url == "" {
		return false
	}
	q.mu.Lock()
	q.subs[tenantID] = subscription{url: url, apiToken: apiToken}
	q.mu.Unlock()
	q.log.Info("webhook subscribed", zap.String("tenant", tenantID.String()), zap.String("url", url))
	return true
}

func (q *Queue) Unsubscribe(tenantID uuid.UUID) {
	q.mu.Lock()
	_, ok := q.subs[tenantID]
	delete(q.subs, tenantID)
	q.mu.Unlock()
	if ok {
		q.log.Info("webhook unsubscribed", zap.String("tenant", tenantID.String()))
	}
}

func (q *Queue) subscription(ctx context.Context, tenantID uuid.UUID) (subscription, bool) {
	q.mu.Lock()
	sub, ok := q.subs[tenantID]
	q.mu.Unlock()
	if ok || q.source == nil {
		return sub, ok
	}

	tenant, err := q.source.GetByID(ctx, tenantID)
	if err != nil {
		q.log.Warn("failed to load webhook settings", zap.String("tenant", tenantID.String()), zap.Error(err))
		return subscription{}, false
	}
	if tenant == nil || !tenant.HasWebhook() {
		return subscription{}, false
	}
	q.Subscribe(tenantID, *tenant.WebhookURL, tenant.APIToken)
	return subscription{url: *tenant.WebhookURL, apiToken: tenant.APIToken}, true
}

// Notify queues event for the tenant's webhook, loading the subscription from
// the tenant record on first use. Tenants without a webhook are skipped.
func (q *Queue) Notify(ctx context.Context, tenantID uuid.UUID, event string, data interface{}) {
	sub, ok := q.subscription(ctx, tenantID)
	if !ok {
		return
	}
	q.Enqueue(Job{
		URL: sub.url,
		Payload: Payload{
			Event:     event,
			Data:      data,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			ClientID:  tenantID.String(),
		},
		TenantID: tenantID,
		APIToken: sub.apiToken,
		Attempt:  1,
	})
}

// Enqueue appends job to the tail and wakes the worker.
func (q *Queue) Enqueue(job Job) {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

// Run is the single delivery worker. It returns when ctx is done; jobs still
// queued at that point are dropped.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.Tick)
	defer ticker.Stop()

	for {
		for {
			job, ok := q.pop()
			if !ok {
				break
			}
			q.process(ctx, job)

			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.Pause):
			}
		}

		select {
		case <-ctx.Done():
			if n := q.Len(); n > 0 {
				q.log.Warn("webhook queue stopped with pending jobs", zap.Int("pending", n))
			}
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	err := q.deliver(ctx, job)
	if errors.Is(err, errEncode) {
		q.log.Error("webhook payload cannot be encoded, dropping",
			zap.String("tenant", job.TenantID.String()), zap.String("event", job.Payload.Event), zap.Error(err))
		return
	}
	if err == nil {
		q.log.Debug("webhook delivered",
			zap.String("tenant", job.TenantID.String()), zap.String("event", job.Payload.Event), zap.Int("attempt", job.Attempt))
		return
	}

	if job.Attempt < q.opts.MaxAttempts {
		q.log.Warn("webhook delivery failed, requeueing",
			zap.String("tenant", job.TenantID.String()), zap.String("url", job.URL),
			zap.Int("attempt", job.Attempt), zap.Error(err))
		job.Attempt++
		q.mu.Lock()
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
		return
	}

	q.log.Error("webhook delivery abandoned",
		zap.String("tenant", job.TenantID.String()), zap.String("url", job.URL),
		zap.Int("attempts", job.Attempt), zap.Error(err))
}

func (q *Queue) deliver(ctx context.Context, job Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errEncode, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-token", job.APIToken)
	req.Header.Set("x-client-id", job.TenantID.String())

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
