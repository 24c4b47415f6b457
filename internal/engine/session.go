// Package engine wires the reconciliation components into a Session: one
// viewer's path list, open chat thread and activity feed, kept consistent
// with the backend from push envelopes and authoritative pulls.
//
// Every state transition runs on the session's run loop. Public methods
// may be called from any goroutine; command methods block on the backend
// call and must not be called from a store listener or bus handler.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/pathwatch/internal/activity"
	"github.com/Iron-Ham/pathwatch/internal/config"
	"github.com/Iron-Ham/pathwatch/internal/converge"
	"github.com/Iron-Ham/pathwatch/internal/delta"
	"github.com/Iron-Ham/pathwatch/internal/dispatch"
	"github.com/Iron-Ham/pathwatch/internal/docpatch"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/push"
	"github.com/Iron-Ham/pathwatch/internal/runloop"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
	"github.com/Iron-Ham/pathwatch/internal/shadow"
	"github.com/Iron-Ham/pathwatch/internal/store"
)

// Backend is the pull and command surface the session consumes.
type Backend interface {
	ListPaths(ctx context.Context) ([]*model.Path, error)
	GetPath(ctx context.Context, id string) (*model.Path, error)
	ActivatePath(ctx context.Context, id string) (*model.Path, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	CancelJob(ctx context.Context, id string) error
	RestartJob(ctx context.Context, id string) (model.Job, error)
	GetThread(ctx context.Context, id string) (model.Thread, []*model.ChatMessage, error)
	ListMessages(ctx context.Context, threadID string) ([]*model.ChatMessage, error)
	SendMessage(ctx context.Context, threadID, content, key string) (model.SendResult, error)
	PatchBlock(ctx context.Context, nodeID string, patch model.BlockPatch) (model.Job, error)
}

// Feature names, also used as convergence timer keys.
const (
	FeaturePaths    = "paths"
	FeatureChat     = "chat"
	FeatureActivity = "activity"
)

// Options configures a Session.
type Options struct {
	Backend        Backend
	Dispatcher     *dispatch.Dispatcher
	Convergence    config.ConvergenceConfig
	Clock          schedule.Clock
	Bus            *event.Bus
	Logger         *logging.Logger
	RequestTimeout time.Duration
}

// Session is one viewer's reconciliation engine.
type Session struct {
	id             string
	backend        Backend
	dispatcher     *dispatch.Dispatcher
	bus            *event.Bus
	logger         *logging.Logger
	requestTimeout time.Duration
	clock          schedule.Clock

	loop  *runloop.Loop
	sched *schedule.Scheduler
	conv  *converge.Coordinator

	shadow    *shadow.Tracker
	assembler *delta.Assembler
	patches   *docpatch.Tracker
	feed      *activity.Feed

	paths    *store.Store[[]*model.Path]
	messages *store.Store[[]*model.ChatMessage]
	thread   *store.Store[model.Thread]

	// Loop-owned state.
	threadID        string
	threadHandle    *schedule.Handle
	unmountChat     func()
	watchHandle     *schedule.Handle
	unmountActivity func()
	watchedJob      string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Session. Start begins processing.
func New(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, errors.NewValidationError("engine: backend is required").WithField("backend")
	}
	if opts.Dispatcher == nil {
		d, err := dispatch.New("", config.Default().Dispatch)
		if err != nil {
			return nil, err
		}
		opts.Dispatcher = d
	}
	if opts.Clock == nil {
		opts.Clock = schedule.RealClock{}
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	id := uuid.NewString()
	loop := runloop.New()
	sched := schedule.New(opts.Clock, loop.Post)
	logger := opts.Logger.WithSession(id).WithComponent("engine")

	s := &Session{
		id:             id,
		backend:        opts.Backend,
		dispatcher:     opts.Dispatcher,
		bus:            opts.Bus,
		logger:         logger,
		requestTimeout: opts.RequestTimeout,
		clock:          opts.Clock,
		loop:           loop,
		sched:          sched,
		conv: converge.New(converge.Options{
			Scheduler:           sched,
			StreamPollInterval:  opts.Convergence.StreamPollInterval(),
			TerminalDebounce:    opts.Convergence.TerminalDebounce(),
			ReconnectInvalidate: opts.Convergence.ReconnectInvalidate,
			Logger:              opts.Logger,
		}),
		shadow:    shadow.NewTracker(),
		assembler: delta.NewAssembler(),
		patches:   docpatch.NewTracker(),
		feed:      activity.NewFeed(0),
		paths:     store.New[[]*model.Path](nil, store.SliceChanged[*model.Path]),
		messages:  store.New[[]*model.ChatMessage](nil, store.SliceChanged[*model.ChatMessage]),
		thread:    store.New(model.Thread{}, func(a, b model.Thread) bool { return a != b }),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Start runs the session's loop until ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.ctx.Done():
		}
	}()
	s.loop.Start(s.ctx)
}

// Close stops timers and the loop. In-flight pulls are abandoned.
func (s *Session) Close() {
	s.conv.Close()
	s.cancel()
	s.loop.Close()
}

// Wait blocks until every queued transition and outstanding pull has been
// applied.
func (s *Session) Wait() {
	s.loop.Wait()
}

// Bus returns the notice bus.
func (s *Session) Bus() *event.Bus { return s.bus }

// Paths is the path list store.
func (s *Session) Paths() *store.Store[[]*model.Path] { return s.paths }

// Messages is the open thread's message store.
func (s *Session) Messages() *store.Store[[]*model.ChatMessage] { return s.messages }

// Thread is the open thread header store.
func (s *Session) Thread() *store.Store[model.Thread] { return s.thread }

// Activity is the activity feed.
func (s *Session) Activity() *activity.Feed { return s.feed }

// PendingBlocks returns the blocks of nodeID with a patch job in flight.
func (s *Session) PendingBlocks(nodeID string) []string {
	return s.patches.PendingBlocks(nodeID)
}

// Attach feeds a push client's envelopes and connectivity into the session.
func (s *Session) Attach(c *push.Client) {
	c.OnEnvelope(s.HandleEnvelope)
	c.OnConnectivity(s.SetConnected)
}

// HandleEnvelope queues a push envelope for dispatch.
func (s *Session) HandleEnvelope(env model.Envelope) {
	s.loop.Post(func() { s.apply(env) })
}

// SetConnected queues a connectivity observation. A reconnect edge
// invalidates every mounted feature.
func (s *Session) SetConnected(connected bool) {
	s.loop.Post(func() {
		reconnect := s.conv.Connectivity(connected)
		s.bus.Publish(event.NewConnectivityEvent(connected, reconnect))
	})
}

func (s *Session) apply(env model.Envelope) {
	effects := s.dispatcher.Dispatch(env)
	if len(effects) == 0 {
		s.logger.Debug("envelope ignored", "event", env.Event, "channel", env.Channel)
		s.bus.Publish(event.NewEnvelopeDroppedEvent(env.Event, "no effects"))
		return
	}
	for _, eff := range effects {
		switch e := eff.(type) {
		case dispatch.PathJobEffect:
			s.applyPathJob(e)
		case dispatch.JobFeedEffect:
			s.applyJobFeed(e)
		case dispatch.ChatJobEffect:
			s.applyChatJob(e)
		case dispatch.ChatDeltaEffect:
			s.applyDelta(e.Delta)
		case dispatch.ChatMessageEffect:
			s.applyMessage(e)
		case dispatch.InvalidateEffect:
			s.applyInvalidate(e)
		}
	}
}

// pull runs fetch off the loop and applies its result on the loop.
func (s *Session) pull(fetch func(ctx context.Context) func()) {
	s.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
		defer cancel()
		return fetch(ctx)
	})
}

// call runs a command on the caller's goroutine, bounded by the request
// timeout and the session's lifetime.
func (s *Session) call(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
