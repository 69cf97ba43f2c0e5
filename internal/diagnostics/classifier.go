package diagnostics

import (
	"context"
	"math"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/clock"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

const (
	DefaultCapacity   = 100
	DefaultRetryBase  = time.Second
	DefaultRetryMax   = 30 * time.Second
	jitterFraction    = 0.1
	maxBackoffAttempt = 30
)

var retryMarkers = []string{"timeout", "connection", "temporary", "rate limit"}

var productionMessages = map[apperrors.Kind]string{
	apperrors.KindValidation: "Please check the information you entered and try again.",
	apperrors.KindNetwork:    "We could not reach the server. Check your connection and try again.",
	apperrors.KindAuth:       "Your session could not be verified. Please sign in again.",
	apperrors.KindBackend:    "The service is temporarily unavailable. Please try again shortly.",
	apperrors.KindUnknown:    "Something went wrong. Please try again.",
}

// codes whose authored message is safe to show as is.
var actionableCodes = map[string]struct{}{
	apperrors.CodeValidation:         {},
	apperrors.CodeRateLimited:        {},
	apperrors.CodePendingApproval:    {},
	apperrors.CodeInvalidCredentials: {},
	apperrors.CodeConflict:           {},
}

// ClassifiedError is one captured failure.
type ClassifiedError struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Kind      apperrors.Kind `json:"kind"`
	Code      string         `json:"code,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`

	// CaptureStack is the goroutine stack at the Capture call, not where
	// the error was created.
	CaptureStack string `json:"captureStack,omitempty"`
}

// Options configures a Classifier.
type Options struct {
	Production bool
	Capacity   int
	RetryBase  time.Duration
	RetryMax   time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
	// OnCapture is called for every captured error, e.g. to count by kind.
	OnCapture func(ClassifiedError)
}

// Classifier turns failures into ClassifiedErrors, keeps the most recent ones
// and answers retry and messaging questions.
type Classifier struct {
	opts Options

	mu     sync.Mutex
	ring   []ClassifiedError
	next   int
	filled bool

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewClassifier constructs a classifier.
func NewClassifier(opts Options) *Classifier {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Classifier{
		opts: opts,
		ring: make([]ClassifiedError, opts.Capacity),
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Production reports whether detail stripping is active.
func (c *Classifier) Production() bool {
	return c.opts.Production
}

// Capture classifies err, records it and returns the record.
func (c *Classifier) Capture(err error, details map[string]any) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	record := ClassifiedError{
		ID:        uuid.NewString(),
		Message:   err.Error(),
		Kind:      apperrors.KindOf(err),
		Timestamp: c.opts.Clock.Now(),
	}
	if de := apperrors.ToDomainError(err); de != nil {
		record.Code = de.Code
	}
	if !c.opts.Production {
		record.Context = details
		record.CaptureStack = string(debug.Stack())
	}

	c.mu.Lock()
	c.ring[c.next] = record
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.filled = true
	}
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("error_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.Error(err),
	}
	if !c.opts.Production && len(details) > 0 {
		fields = append(fields, zap.Any("context", details))
	}
	c.opts.Logger.Warn("error captured", fields...)

	if c.opts.OnCapture != nil {
		c.opts.OnCapture(record)
	}
	return record
}

// Recent returns up to n captured errors, newest first. n <= 0 returns all.
func (c *Classifier) Recent(n int) []ClassifiedError {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.next
	if c.filled {
		size = len(c.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]ClassifiedError, 0, n)
	for i := 0; i < n; i++ {
		idx := (c.next - 1 - i + len(c.ring)) % len(c.ring)
		out = append(out, c.ring[idx])
	}
	return out
}

// Clear empties the ring.
func (c *Classifier) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = make([]ClassifiedError, len(c.ring))
	c.next = 0
	c.filled = false
}

// IsRetryable reports whether err is worth an automatic retry.
func (c *Classifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation, apperrors.KindAuth:
		return false
	case apperrors.KindNetwork, apperrors.KindBackend:
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryDelay is min(base*2^attempt, max) plus up to 10% jitter.
func (c *Classifier) RetryDelay(_ error, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffAttempt {
		attempt = maxBackoffAttempt
	}
	delay := time.Duration(float64(c.opts.RetryBase) * math.Pow(2, float64(attempt)))
	if delay > c.opts.RetryMax || delay <= 0 {
		delay = c.opts.RetryMax
	}

	c.randMu.Lock()
	jitter := time.Duration(c.rand.Float64() * jitterFraction * float64(delay))
	c.randMu.Unlock()
	return delay + jitter
}

// UserMessage returns the text the UI should render for err.
func (c *Classifier) UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if !c.opts.Production {
		return err.Error()
	}
	de := apperrors.ToDomainError(err)
	if _, ok := actionableCodes[de.Code]; ok {
		return de.Message
	}
	return productionMessages[apperrors.KindOf(err)]
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done. Every failure is captured.
func (c *Classifier) Retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		c.Capture(err, map[string]any{"attempt": attempt + 1})
		if !c.IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		wait := make(chan struct{})
		timer := c.opts.Clock.AfterFunc(c.RetryDelay(err, attempt), func() { close(wait) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wait:
		}
	}
	return err
}
