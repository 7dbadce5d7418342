// Package dispatch implements the event ingestion pipeline: validate,
// assign missing fields, append to the spool, and fan out a notification
// to every subscriber of the originating session. It is the single
// writer-of-record for events until they are handed off to the spool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ccbridge/control-plane/internal/event"
	"github.com/ccbridge/control-plane/resilience"
)

// Sentinel errors returned by Pipeline operations. ErrValidation and
// ErrSizeLimit are non-retryable; callers should classify them as such
// rather than looping.
var (
	ErrValidation      = errors.New("dispatch: validation failed")
	ErrSizeLimit       = errors.New("dispatch: event exceeds size limit")
	ErrBackpressure    = errors.New("dispatch: chat-target queue at high-water mark")
	ErrConsumerLagged  = errors.New("dispatch: subscriber dropped for falling behind")
)

// MaxEventBytes is the default bound on an event's estimated size (the
// byte lengths of its title, description, task ID, Data.Status,
// Data.AffectedFiles and Data.Extension entries) before SendEvent refuses
// it with ErrSizeLimit.
const MaxEventBytes = 64 * 1024

// Spool is the durable append-only store the pipeline hands events to.
// Implemented by internal/spool.Spool; declared here so dispatch never
// imports spool directly, keeping ownership one-directional.
type Spool interface {
	Append(ctx context.Context, evt event.Event) (string, error)
}

// FanoutNotification is what a subscriber receives for a dispatched
// event or inbound webhook callback.
type FanoutNotification struct {
	SessionID string
	Event     event.Event
	Response  *event.Response
}

// Config tunes validation limits, per-target rate limits, and the
// subscriber fan-out buffer depth.
type Config struct {
	MaxEventBytes      int
	SubscriberBuffer   int
	FanoutGracePeriod  time.Duration
	ChatTargetRate     resilience.RateLimiterConfig
	HighWaterMark      int
}

func (c Config) withDefaults() Config {
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = MaxEventBytes
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.FanoutGracePeriod <= 0 {
		c.FanoutGracePeriod = 50 * time.Millisecond
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = 1000
	}
	return c
}

type subscriber struct {
	sessionID string
	ch        chan FanoutNotification
}

// Pipeline is the dispatch entry point used by the tool-protocol layer.
type Pipeline struct {
	cfg   Config
	spool Spool

	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	targetLimiters map[string]*resilience.RateLimiter
	targetDepth    map[string]int

	responsesMu sync.Mutex
	responses   []event.Response

	onConsumerLagged func(sessionID string)
}

// New creates a Pipeline backed by spool. onConsumerLagged, if non-nil,
// is invoked whenever a subscriber is dropped for falling behind.
func New(spool Spool, cfg Config, onConsumerLagged func(sessionID string)) *Pipeline {
	return &Pipeline{
		cfg:            cfg.withDefaults(),
		spool:          spool,
		subscribers:    make(map[string][]*subscriber),
		targetLimiters: make(map[string]*resilience.RateLimiter),
		targetDepth:    make(map[string]int),
		onConsumerLagged: onConsumerLagged,
	}
}

// SendResult is returned by every send operation.
type SendResult struct {
	EventID  string
	Accepted bool
}

// SendEvent validates evt, assigns missing fields, appends it to the
// spool, and fans it out to subscribers of evt's source session.
func (p *Pipeline) SendEvent(ctx context.Context, evt event.Event) (SendResult, error) {
	if err := p.validate(evt); err != nil {
		return SendResult{}, err
	}

	evt = withAssignedFields(evt)

	if !p.admitToTarget(evt.Source) {
		return SendResult{}, fmt.Errorf("%w: target %q", ErrBackpressure, evt.Source)
	}

	id, err := p.spool.Append(ctx, evt)
	if err != nil {
		return SendResult{}, err
	}

	p.fanout(evt.Source, FanoutNotification{SessionID: evt.Source, Event: evt})

	return SendResult{EventID: id, Accepted: true}, nil
}

// SendMessage is a convenience wrapper building a plain info event.
func (p *Pipeline) SendMessage(ctx context.Context, text, source string) (SendResult, error) {
	evt := event.New("", event.TypeInfoMessage, source, time.Time{})
	evt.Title = "message"
	evt.Description = text
	return p.SendEvent(ctx, evt)
}

// SendTaskCompletion builds and sends a task-completion event.
func (p *Pipeline) SendTaskCompletion(ctx context.Context, taskID, source string, data event.Data) (SendResult, error) {
	evt := event.New("", event.TypeTaskCompleted, source, time.Time{})
	evt.TaskID = taskID
	if tmpl, ok := event.TemplateFor(event.TypeTaskCompleted); ok {
		evt.Title = tmpl.Title
		evt.Description = tmpl.Description
	}
	evt.Data = data
	return p.SendEvent(ctx, evt)
}

// SendPerformanceAlert builds and sends a performance-alert event.
func (p *Pipeline) SendPerformanceAlert(ctx context.Context, source string, data event.Data) (SendResult, error) {
	evt := event.New("", event.TypePerformanceAlert, source, time.Time{})
	evt.Data = data
	if tmpl, ok := event.TemplateFor(event.TypePerformanceAlert); ok {
		evt.Title = tmpl.Title
		evt.Description = tmpl.Description
	}
	return p.SendEvent(ctx, evt)
}

// SendApprovalRequest builds and sends an approval-request event.
func (p *Pipeline) SendApprovalRequest(ctx context.Context, taskID, source string, data event.Data) (SendResult, error) {
	evt := event.New("", event.TypeApprovalRequest, source, time.Time{})
	evt.TaskID = taskID
	evt.Data = data
	if tmpl, ok := event.TemplateFor(event.TypeApprovalRequest); ok {
		evt.Title = tmpl.Title
		evt.Description = tmpl.Description
	}
	return p.SendEvent(ctx, evt)
}

// RecordResponse stores an inbound callback response for later retrieval
// via GetResponses; called by the webhook after parsing a callback.
func (p *Pipeline) RecordResponse(r event.Response) {
	p.responsesMu.Lock()
	defer p.responsesMu.Unlock()
	p.responses = append(p.responses, r)
}

// NotifyResponse stores r (as RecordResponse does) and fans it out to
// every subscriber of sessionID, the webhook's entry point into the
// pipeline's existing fan-out machinery.
func (p *Pipeline) NotifyResponse(sessionID string, r event.Response) {
	p.RecordResponse(r)
	p.fanout(sessionID, FanoutNotification{SessionID: sessionID, Response: &r})
}

// GetResponses returns up to limit most recent stored responses,
// newest first. limit<=0 returns all of them.
func (p *Pipeline) GetResponses(limit int) []event.Response {
	p.responsesMu.Lock()
	defer p.responsesMu.Unlock()

	out := make([]event.Response, len(p.responses))
	copy(out, p.responses)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// ProcessPendingResponses returns responses recorded at or after since,
// oldest first, for a caller catching up on a backlog.
func (p *Pipeline) ProcessPendingResponses(since time.Time) []event.Response {
	p.responsesMu.Lock()
	defer p.responsesMu.Unlock()

	var out []event.Response
	for _, r := range p.responses {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// ClearOldResponses drops stored responses older than olderThan and
// reports how many were removed.
func (p *Pipeline) ClearOldResponses(olderThan time.Time) int {
	p.responsesMu.Lock()
	defer p.responsesMu.Unlock()

	kept := p.responses[:0]
	removed := 0
	for _, r := range p.responses {
		if r.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	p.responses = kept
	return removed
}

func (p *Pipeline) validate(evt event.Event) error {
	if evt.Source == "" {
		return fmt.Errorf("%w: source is required", ErrValidation)
	}
	if evt.Type != "" && !event.IsKnown(evt.Type) {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, evt.Type)
	}
	if size := estimateSize(evt); size > p.cfg.MaxEventBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrSizeLimit, size, p.cfg.MaxEventBytes)
	}
	return nil
}

func estimateSize(evt event.Event) int {
	size := len(evt.Title) + len(evt.Description) + len(evt.TaskID)
	size += len(evt.Data.Status)
	for _, f := range evt.Data.AffectedFiles {
		size += len(f)
	}
	for k, v := range evt.Data.Extension {
		size += len(k) + len(fmt.Sprint(v))
	}
	return size
}

// admitToTarget applies the token-bucket rate limit for the given chat
// target (source session). A request the bucket denies is still admitted
// at once, without delay, and counted against the target's high-water
// mark; each later request the bucket allows lowers that count by one.
// Once the count reaches the high-water mark, denied requests are refused
// and SendEvent fails with ErrBackpressure.
func (p *Pipeline) admitToTarget(target string) bool {
	p.mu.Lock()
	limiter, ok := p.targetLimiters[target]
	if !ok {
		limiter = resilience.NewRateLimiter(p.cfg.ChatTargetRate)
		p.targetLimiters[target] = limiter
	}
	p.mu.Unlock()

	if limiter.Allow() {
		p.mu.Lock()
		if p.targetDepth[target] > 0 {
			p.targetDepth[target]--
		}
		p.mu.Unlock()
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targetDepth[target] >= p.cfg.HighWaterMark {
		return false
	}
	p.targetDepth[target]++
	return true
}

// Subscribe registers a new fan-out consumer for sessionID. The returned
// channel is closed (and removed from the registry) when the caller
// calls the returned cancel func, or when it is dropped for lagging.
func (p *Pipeline) Subscribe(sessionID string) (<-chan FanoutNotification, func()) {
	sub := &subscriber{sessionID: sessionID, ch: make(chan FanoutNotification, p.cfg.SubscriberBuffer)}

	p.mu.Lock()
	p.subscribers[sessionID] = append(p.subscribers[sessionID], sub)
	p.mu.Unlock()

	cancel := func() { p.removeSubscriber(sessionID, sub) }
	return sub.ch, cancel
}

func (p *Pipeline) removeSubscriber(sessionID string, target *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subscribers[sessionID]
	for i, s := range subs {
		if s == target {
			p.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// fanout delivers n to every subscriber of sessionID without blocking
// the caller past the configured grace period; a subscriber that cannot
// keep up is dropped (its channel closed) and onConsumerLagged, if set,
// is called with sessionID.
func (p *Pipeline) fanout(sessionID string, n FanoutNotification) {
	p.mu.RLock()
	subs := make([]*subscriber, len(p.subscribers[sessionID]))
	copy(subs, p.subscribers[sessionID])
	p.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- n:
		default:
			timer := time.NewTimer(p.cfg.FanoutGracePeriod)
			select {
			case sub.ch <- n:
				timer.Stop()
			case <-timer.C:
				p.removeSubscriber(sessionID, sub)
				if p.onConsumerLagged != nil {
					p.onConsumerLagged(sessionID)
				}
			}
		}
	}
}

// withAssignedFields fills in evt's missing ID/timestamp via event.New
// while preserving every field the caller already populated.
func withAssignedFields(evt event.Event) event.Event {
	assigned := event.New(evt.ID, evt.Type, evt.Source, evt.Timestamp)
	evt.ID = assigned.ID
	evt.Timestamp = assigned.Timestamp
	return evt
}
