// Package audit records security-relevant events. Every event is persisted
// locally; forwarding to an external collector is best-effort and never
// blocks or fails the calling operation.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cartaporte.app/internal/ids"
	"cartaporte.app/internal/obs"
)

// Severity levels for events.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Well-known action names.
const (
	ActionLoginSuccess     = "login.success"
	ActionLoginFailure     = "login.failure"
	ActionLoginLocked      = "login.locked"
	ActionLockoutTriggered = "lockout.triggered"
	ActionLogout           = "logout"
	ActionTokenRefreshed   = "token.refreshed"
	ActionTokenReuse       = "token.reuse_detected"
	ActionRegister         = "user.registered"
	ActionPasswordChanged  = "password.changed"
	ActionPasswordResetRequested = "password.reset_requested"
	ActionPasswordReset    = "password.reset"
	ActionMFAEnrolled      = "mfa.enrolled"
	ActionMFADisabled      = "mfa.disabled"
	ActionAdminUpdate      = "admin.user_updated"
	ActionAdminDelete      = "admin.user_deleted"
	ActionAdminUnlock      = "admin.user_unlocked"
)

// Event is one append-only audit record.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Level     string         `json:"level"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, event *Event) error
}

// Logger writes audit events to the store, mirrors them to the service log,
// and optionally forwards them to an external collector.
type Logger struct {
	store     Store
	log       *zap.Logger
	forwarder *forwarder
	now       func() time.Time
}

// Option configures Logger.
type Option func(*Logger)

// WithForwardURL enables asynchronous forwarding of events to an external
// collector endpoint.
func WithForwardURL(url string) Option {
	return func(l *Logger) {
		if strings.TrimSpace(url) != "" {
			l.forwarder = newForwarder(url)
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLogger constructs an audit Logger over the given store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{
		store: store,
		log:   obs.Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record persists the event and mirrors it to the log. Persistence errors
// propagate so callers notice a broken audit trail; forwarding never does.
func (l *Logger) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	if err := l.store.Append(ctx, &event); err != nil {
		return err
	}

	l.log.Info("audit",
		zap.String("action", event.Action),
		zap.String("user_id", event.UserID),
		zap.String("ip", event.IP),
		zap.String("level", event.Level),
	)

	if l.forwarder != nil {
		l.forwarder.enqueue(event)
	}
	return nil
}

// Close drains the forwarder, if any.
func (l *Logger) Close() {
	if l.forwarder != nil {
		l.forwarder.close()
	}
}

// forwarder ships events to an external collector from a buffered queue. A
// full queue drops events rather than blocking the caller.
type forwarder struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	ch      chan Event
	done    chan struct{}
}

func newForwarder(url string) *forwarder {
	f := &forwarder{
		url:     url,
		client:  &http.Client{Timeout: 3 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		ch:      make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *forwarder) enqueue(event Event) {
	select {
	case f.ch <- event:
	default:
		obs.CountAuditDropped()
	}
}

func (f *forwarder) run() {
	for {
		select {
		case event := <-f.ch:
			f.post(event)
		case <-f.done:
			for {
				select {
				case event := <-f.ch:
					f.post(event)
				default:
					return
				}
			}
		}
	}
}

func (f *forwarder) post(event Event) {
	if !f.limiter.Allow() {
		obs.CountAuditDropped()
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	resp, err := f.client.Post(f.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func (f *forwarder) close() {
	close(f.done)
}
