package chatclient

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/assisthub/chatstream/pkg/persistence/convstore"
)

// Engine is the session engine. It owns the conversation store, the
// deduplication window, and, for the active conversation, the connection
// manager, stream state, and outbound sender. All the mutable session state
// the client needs lives behind this one instance; construction and teardown
// are explicit.
type Engine struct {
	baseURL     string
	wsBaseURL   string
	sendCtx     map[string]any
	httpClient  *http.Client
	dial        DialFunc
	clock       clockwork.Clock
	rng         *rand.Rand
	onConn      func(ConnState, int)
	backoffBase time.Duration
	backoffMax  time.Duration

	store *convstore.Store
	ui    UI
	guard *DedupGuard
	bus   *gochannel.GoChannel
	rt    *FrameRouter

	mu            sync.Mutex
	closed        bool
	active        *convstore.Conversation
	conn          *ConnectionManager
	stream        *PlaybackScheduler
	sender        *OutboundSender
	pumpCancel    context.CancelFunc
	creating      bool
	lastAssistant string
}

type EngineOption func(*Engine)

func WithEngineClock(c clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithEngineDial(d DialFunc) EngineOption {
	return func(e *Engine) { e.dial = d }
}

func WithEngineHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.httpClient = c }
}

// WithSendContext sets the context object attached to every outbound message.
func WithSendContext(ctx map[string]any) EngineOption {
	return func(e *Engine) { e.sendCtx = ctx }
}

// WithConnectionChange registers a connectivity-indicator observer. It is fed
// from the connection-event bus topic, so transitions arrive in the order they
// happened.
func WithConnectionChange(fn func(ConnState, int)) EngineOption {
	return func(e *Engine) { e.onConn = fn }
}

// WithChannelBaseURL overrides the websocket origin when it differs from the
// HTTP base URL.
func WithChannelBaseURL(u string) EngineOption {
	return func(e *Engine) { e.wsBaseURL = u }
}

// WithEngineBackoff overrides the reconnect backoff floor and cap.
func WithEngineBackoff(base, max time.Duration) EngineOption {
	return func(e *Engine) { e.backoffBase, e.backoffMax = base, max }
}

func WithPlaybackRandSource(r *rand.Rand) EngineOption {
	return func(e *Engine) { e.rng = r }
}

func NewEngine(baseURL string, store *convstore.Store, ui UI, opts ...EngineOption) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("engine: base url is empty")
	}
	if store == nil {
		return nil, errors.New("engine: store is nil")
	}
	if ui == nil {
		return nil, errors.New("engine: ui is nil")
	}
	e := &Engine{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		dial:       gorillaDial,
		clock:      clockwork.NewRealClock(),
		store:      store,
		ui:         ui,
		bus: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			newWatermillLogger(log.With().Str("component", "chatclient").Logger()),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.guard = NewDedupGuard(e.lastAssistantText, WithDedupClock(e.clock))
	e.rt = &FrameRouter{
		EnsureStream: e.ensureStream,
		Finalize:     e.finalizeReply,
		FlushStream:  e.flushStream,
		UI:           ui,
	}
	return e, nil
}

// Start loads the persisted session: it activates the stored active
// conversation (or the most recent one), creating a fresh shared conversation
// when none exist.
func (e *Engine) Start(ctx context.Context) (convstore.Conversation, error) {
	if e == nil {
		return convstore.Conversation{}, errors.New("engine: nil engine")
	}
	convs, err := e.store.List(ctx)
	if err != nil {
		return convstore.Conversation{}, err
	}
	if len(convs) == 0 {
		return e.NewConversation(ctx, convstore.ModeShared, 0)
	}
	target := convs[0]
	if id, ok, err := e.store.ActiveID(ctx); err == nil && ok {
		for _, c := range convs {
			if c.ID == id {
				target = c
				break
			}
		}
	}
	if _, err := e.SetActive(ctx, target.ID, true); err != nil {
		return convstore.Conversation{}, err
	}
	return target, nil
}

// NewConversation creates and activates a conversation. The operation is
// guarded by a reentrancy flag so rapid duplicate triggers collapse into a
// single creation; the collapsed call returns the conversation that is active
// by then.
func (e *Engine) NewConversation(ctx context.Context, mode convstore.Mode, businessID int64) (convstore.Conversation, error) {
	if e == nil {
		return convstore.Conversation{}, errors.New("engine: nil engine")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return convstore.Conversation{}, ErrEngineClosed
	}
	if e.creating {
		active := e.active
		e.mu.Unlock()
		log.Debug().Str("component", "chatclient").Msg("new conversation already in progress, collapsing")
		if active != nil {
			return *active, nil
		}
		return convstore.Conversation{}, nil
	}
	e.creating = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.creating = false
		e.mu.Unlock()
	}()

	conv := convstore.NewConversation(mode, businessID)
	if err := e.store.Put(ctx, conv); err != nil {
		return convstore.Conversation{}, err
	}
	if _, err := e.SetActive(ctx, conv.ID, true); err != nil {
		return convstore.Conversation{}, err
	}
	return conv, nil
}

// SetActive switches the visible conversation: the previous stream state and
// connection are torn down atomically before the new ones are constructed, so
// no token of the old reply can leak into the new thread. With connect=false
// the view switches without opening a channel.
func (e *Engine) SetActive(ctx context.Context, id uuid.UUID, connect bool) ([]convstore.Turn, error) {
	if e == nil {
		return nil, errors.New("engine: nil engine")
	}
	conv, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("engine: conversation %s not found", id)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	stream := e.stream
	conn := e.conn
	pumpCancel := e.pumpCancel
	e.stream = nil
	e.conn = nil
	e.sender = nil
	e.pumpCancel = nil
	e.mu.Unlock()

	// Tear down the old state before any new token can be enqueued.
	if stream != nil {
		stream.Cancel()
	}
	if pumpCancel != nil {
		pumpCancel()
	}
	if conn != nil {
		conn.Close()
	}

	history, err := e.store.History(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetActiveID(ctx, conv.ID); err != nil {
		return nil, err
	}

	lastAssistant := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == convstore.RoleAssistant {
			lastAssistant = history[i].Text
			break
		}
	}

	e.mu.Lock()
	e.active = &conv
	e.lastAssistant = lastAssistant
	e.mu.Unlock()

	if !connect {
		return history, nil
	}

	wsBase := e.baseURL
	if e.wsBaseURL != "" {
		wsBase = e.wsBaseURL
	}
	target, err := ChannelTarget(wsBase, conv.Mode, conv.BusinessID, conv.ChannelSessionID)
	if err != nil {
		return nil, err
	}
	fallbackURL, err := FallbackEndpoint(e.baseURL, conv.Mode, conv.BusinessID)
	if err != nil {
		return nil, err
	}
	cm, err := NewConnectionManager(conv.ID.String(), target, e.bus,
		WithConnectionClock(e.clock),
		WithDialFunc(e.dial),
		WithBackoffBounds(e.backoffBase, e.backoffMax),
	)
	if err != nil {
		return nil, err
	}
	sender, err := NewOutboundSender(cm, e.httpClient, fallbackURL, conv.ChannelSessionID)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	frames, err := e.bus.Subscribe(pumpCtx, frameTopic(conv.ID.String()))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "engine: subscribe frames")
	}
	connEvents, err := e.bus.Subscribe(pumpCtx, connTopic(conv.ID.String()))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "engine: subscribe connection events")
	}

	e.mu.Lock()
	if e.closed || e.active == nil || e.active.ID != conv.ID {
		e.mu.Unlock()
		cancel()
		cm.Close()
		return history, nil
	}
	e.conn = cm
	e.sender = sender
	e.pumpCancel = cancel
	e.mu.Unlock()

	go e.pump(frames)
	go e.connPump(connEvents)
	cm.Connect(ctx)
	return history, nil
}

// pump feeds inbound frames to the router in arrival order.
func (e *Engine) pump(frames <-chan *message.Message) {
	for msg := range frames {
		e.rt.HandleRaw(msg.Payload)
		msg.Ack()
	}
	log.Debug().Str("component", "chatclient").Msg("frame pump stopped")
}

// connPump forwards connection state transitions to the connectivity
// observer in publish order.
func (e *Engine) connPump(events <-chan *message.Message) {
	for msg := range events {
		var ev ConnEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Debug().Err(err).Str("component", "chatclient").Msg("dropping malformed connection event")
			msg.Ack()
			continue
		}
		if e.onConn != nil {
			e.onConn(ev.State, ev.Attempts)
		}
		msg.Ack()
	}
}

// Send persists the user turn and transmits it: over the live channel when
// open, otherwise through exactly one fallback request. Any in-flight
// assistant stream is abandoned first. Send-path failures surface one notice
// per failed action and are also returned to the caller.
func (e *Engine) Send(ctx context.Context, text string) error {
	if e == nil {
		return errors.New("engine: nil engine")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.active == nil {
		e.mu.Unlock()
		return errors.New("engine: no active conversation")
	}
	conv := *e.active
	stream := e.stream
	sender := e.sender
	e.stream = nil
	e.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	if sender == nil {
		return errors.New("engine: conversation is not connected")
	}

	if _, err := e.store.AppendTurn(ctx, conv.ID, convstore.RoleUser, text); err != nil {
		return err
	}

	resp, err := sender.Send(ctx, text, e.sendCtx)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			e.ui.ShowNotice(NoticeMessageTooLarge, "Your message is too large to send.")
		} else {
			e.ui.ShowNotice(NoticeSendFailed, "Failed to send message.")
		}
		return err
	}
	if resp != nil && resp.Message != "" {
		e.finalizeReply("", resp.Message, resp.SuggestedActions)
	}
	return nil
}

// DeleteConversation removes a conversation and its history. Deleting the
// active one activates the next-most-recent conversation, or creates a fresh
// default when none remain.
func (e *Engine) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	if e == nil {
		return errors.New("engine: nil engine")
	}
	e.mu.Lock()
	wasActive := e.active != nil && e.active.ID == id
	e.mu.Unlock()

	if wasActive {
		e.teardownActive()
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if !wasActive {
		return nil
	}

	convs, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	if len(convs) > 0 {
		_, err = e.SetActive(ctx, convs[0].ID, true)
		return err
	}
	_, err = e.NewConversation(ctx, convstore.ModeShared, 0)
	return err
}

// Active returns the currently displayed conversation.
func (e *Engine) Active() (convstore.Conversation, bool) {
	if e == nil {
		return convstore.Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return convstore.Conversation{}, false
	}
	return *e.active, true
}

// Rename sets an explicit conversation title. Explicit renames always win
// over auto-derivation.
func (e *Engine) Rename(ctx context.Context, id uuid.UUID, title string) error {
	if e == nil {
		return errors.New("engine: nil engine")
	}
	if err := e.store.Rename(ctx, id, title); err != nil {
		return err
	}
	e.mu.Lock()
	if e.active != nil && e.active.ID == id {
		e.active.Title = title
	}
	e.mu.Unlock()
	return nil
}

// History returns the cached turns for a conversation without touching the
// active channel.
func (e *Engine) History(ctx context.Context, id uuid.UUID) ([]convstore.Turn, error) {
	if e == nil {
		return nil, errors.New("engine: nil engine")
	}
	return e.store.History(ctx, id)
}

// Conversations lists all persisted conversations, most recent first.
func (e *Engine) Conversations(ctx context.Context) ([]convstore.Conversation, error) {
	if e == nil {
		return nil, errors.New("engine: nil engine")
	}
	return e.store.List(ctx)
}

// ConnectionState reports the active channel state.
func (e *Engine) ConnectionState() ConnState {
	if e == nil {
		return StateDisconnected
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// Close tears the engine down: stream, channel, pump, bus.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.teardownActive()
	return e.bus.Close()
}

func (e *Engine) teardownActive() {
	e.mu.Lock()
	stream := e.stream
	conn := e.conn
	pumpCancel := e.pumpCancel
	e.stream = nil
	e.conn = nil
	e.sender = nil
	e.pumpCancel = nil
	e.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	if pumpCancel != nil {
		pumpCancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// ensureStream opens the stream state (and its sink) for the in-flight reply.
func (e *Engine) ensureStream() *PlaybackScheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return e.stream
	}
	sink := e.ui.NewAssistantSink()
	sink.MarkTyping(true)
	opts := []PlaybackOption{WithPlaybackClock(e.clock)}
	if e.rng != nil {
		opts = append(opts, WithPlaybackRand(e.rng))
	}
	e.stream = NewPlaybackScheduler(sink, opts...)
	return e.stream
}

// finalizeReply commits one authoritative assistant reply: deduplicated,
// rendered (either by ending the live stream or directly), and persisted as
// exactly one turn.
func (e *Engine) finalizeReply(messageID, text string, actions []SuggestedAction) {
	if text == "" {
		return
	}
	e.mu.Lock()
	if e.closed || e.active == nil {
		e.mu.Unlock()
		return
	}
	conv := *e.active
	stream := e.stream
	e.mu.Unlock()

	if e.guard.ShouldSuppress(messageID, text) {
		log.Debug().Str("component", "chatclient").Str("conv_id", conv.ID.String()).Msg("duplicate finalize suppressed")
		// A redelivered reply may have streamed into a fresh sink; the stream
		// state is still cleared so it cannot serve the next reply.
		if stream != nil {
			stream.Cancel()
			e.mu.Lock()
			if e.stream == stream {
				e.stream = nil
			}
			e.mu.Unlock()
		}
		return
	}

	if stream != nil {
		stream.Finalize(text)
	} else {
		sink := e.ui.NewAssistantSink()
		sink.ReplaceText(text)
		sink.MarkTyping(false)
		sink.Detach()
	}

	e.mu.Lock()
	if e.stream == stream {
		e.stream = nil
	}
	e.lastAssistant = text
	e.mu.Unlock()

	if _, err := e.store.AppendTurn(context.Background(), conv.ID, convstore.RoleAssistant, text); err != nil {
		log.Error().Err(err).Str("component", "chatclient").Str("conv_id", conv.ID.String()).Msg("persist assistant turn failed")
	}
	if len(actions) > 0 {
		e.ui.ShowSuggestedActions(actions)
	}
}

// flushStream drains any remaining queued tokens into an immediate finalize
// when non-empty, then clears the stream state.
func (e *Engine) flushStream() {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream == nil {
		return
	}
	full := stream.DrainToText()
	if full != "" {
		e.finalizeReply("", full, nil)
		return
	}
	stream.Cancel()
	e.mu.Lock()
	if e.stream == stream {
		e.stream = nil
	}
	e.mu.Unlock()
}

func (e *Engine) lastAssistantText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAssistant
}
