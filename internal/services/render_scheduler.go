package services

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"convotap/internal/engine"
	"convotap/internal/models"
)

// Broadcaster is the panel edge the scheduler pushes frames to
type Broadcaster interface {
	Count() int
	Broadcast(msg models.ServerMessage)
}

type renderRequest struct {
	attempt int
	gen     uint64
}

// RenderScheduler turns engine render signals into panel frames. When no
// panel is mounted yet, or nothing has been merged yet, it retries at a
// fixed delay up to a bounded number of attempts and then gives up silently —
// that covers the host page's asynchronous navigation timing, not permanent
// failure. A fresh signal always restarts the retry budget.
type RenderScheduler struct {
	engine *engine.Engine
	panels Broadcaster

	maxAttempts int
	retryDelay  time.Duration

	// limiter smooths render bursts from rapid ingest sequences; panels only
	// need the latest view, not every intermediate one.
	limiter *rate.Limiter

	requests chan renderRequest
	gen      atomic.Uint64
	ctx      context.Context
	cancel   context.CancelFunc

	attempts atomic.Uint64
	giveups  atomic.Uint64
}

// NewRenderScheduler creates a scheduler with the given retry bounds
func NewRenderScheduler(eng *engine.Engine, panels Broadcaster, maxAttempts int, retryDelay time.Duration) *RenderScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &RenderScheduler{
		engine:      eng,
		panels:      panels,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		requests:    make(chan renderRequest, 64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the render loop
func (s *RenderScheduler) Start() {
	go s.loop()
}

// Stop terminates the render loop and cancels pending retries
func (s *RenderScheduler) Stop() {
	s.cancel()
}

// RequestRender implements engine.Notifier: a fresh render with the retry
// budget reset
func (s *RenderScheduler) RequestRender() {
	s.submitFresh()
}

// QueryChanged applies the panel's search signal. A query change always
// deserves an attempt, regardless of prior retry exhaustion.
func (s *RenderScheduler) QueryChanged(query string) {
	s.engine.SetSearchQuery(query)
	s.submitFresh()
}

// Attempts returns the cumulative render attempt count
func (s *RenderScheduler) Attempts() uint64 { return s.attempts.Load() }

// GiveUps returns how many render sequences exhausted their retries
func (s *RenderScheduler) GiveUps() uint64 { return s.giveups.Load() }

// submitFresh bumps the generation so in-flight retries from older signals
// are superseded
func (s *RenderScheduler) submitFresh() {
	s.enqueue(renderRequest{attempt: 0, gen: s.gen.Add(1)})
}

func (s *RenderScheduler) enqueue(req renderRequest) {
	select {
	case s.requests <- req:
	default:
		// Queue full: a newer request is already pending, this one is moot.
	}
}

func (s *RenderScheduler) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			if req.gen != s.gen.Load() {
				continue // superseded by a newer signal
			}
			s.render(req)
		}
	}
}

func (s *RenderScheduler) render(req renderRequest) {
	if err := s.limiter.Wait(s.ctx); err != nil {
		return
	}
	s.attempts.Add(1)

	query := s.engine.SearchQuery()
	msgs, noMatches := s.engine.FilteredMessages(query)

	// Empty merged map or no mounted panel: retry later rather than pushing
	// an empty frame over prior content. An exhausted budget ends silently.
	if s.panels.Count() == 0 || (len(msgs) == 0 && !noMatches) {
		if req.attempt < s.maxAttempts {
			time.AfterFunc(s.retryDelay, func() {
				s.enqueue(renderRequest{attempt: req.attempt + 1, gen: req.gen})
			})
		} else {
			s.giveups.Add(1)
		}
		return
	}

	s.panels.Broadcast(models.ServerMessage{
		Type:           "messages",
		Messages:       msgs,
		NoMatches:      noMatches,
		ConversationID: s.engine.ActiveConversationID(),
		Query:          query,
	})
}
