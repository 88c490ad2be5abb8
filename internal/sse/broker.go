// Package sse streams atom change events to HTTP clients as Server-Sent Events.
//
// Every event carries an id. A client that reconnects with Last-Event-ID gets
// the events it missed, as long as they are still in the replay buffer.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistory   = 128
	defaultKeepAlive = 15 * time.Second
	clientBuffer     = 64
)

// Event is a single SSE message. An empty ID is filled in on publish.
type Event struct {
	ID   string `json:"-"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// AtomEventData is the payload of atom.* and index.* events.
type AtomEventData struct {
	ID string `json:"id,omitempty"`
}

// frame is an encoded event kept for delivery and replay.
type frame struct {
	id   string
	kind string
	raw  []byte
}

func encode(event Event) (frame, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return frame{}, err
	}
	raw := fmt.Appendf(nil, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, payload)
	return frame{id: event.ID, kind: event.Type, raw: raw}, nil
}

// Subscription is one connected client. Frames arrive on C until Close is
// called or the broker shuts down.
type Subscription struct {
	C <-chan []byte

	ch    chan []byte
	kinds map[string]struct{}
	b     *Broker
}

func (s *Subscription) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() {
	if s.b.closed.Load() {
		return
	}
	select {
	case s.b.leaveCh <- s:
	case <-s.b.stopped:
	}
}

type joinReq struct {
	sub    *Subscription
	lastID string
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory sets how many recent events are kept for Last-Event-ID replay.
// Zero disables replay.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.history = n
		}
	}
}

// WithKeepAlive sets the interval of comment frames sent to idle streams.
// Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.keepAlive = d
		}
	}
}

// WithLogger sets the logger used to report dropped frames.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// Broker fans events out to subscriptions. The run loop owns the client set
// and the replay buffer; everything else reaches them through channels.
type Broker struct {
	history   int
	keepAlive time.Duration
	logger    *slog.Logger

	joinCh    chan joinReq
	leaveCh   chan *Subscription
	publishCh chan Event
	countCh   chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker and starts its run loop.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		history:   defaultHistory,
		keepAlive: defaultKeepAlive,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		joinCh:    make(chan joinReq),
		leaveCh:   make(chan *Subscription),
		publishCh: make(chan Event),
		countCh:   make(chan chan int),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subs := make(map[*Subscription]struct{})
	var recent []frame

	send := func(s *Subscription, f frame) {
		if !s.wants(f.kind) {
			return
		}
		select {
		case s.ch <- f.raw:
		default:
			b.logger.Debug("sse: client buffer full, frame dropped",
				slog.String("event", f.kind), slog.String("event_id", f.id))
		}
	}

	for {
		select {
		case <-b.stopCh:
			for s := range subs {
				close(s.ch)
			}
			return

		case req := <-b.joinCh:
			subs[req.sub] = struct{}{}
			if req.lastID == "" {
				continue
			}
			for i, f := range recent {
				if f.id != req.lastID {
					continue
				}
				for _, missed := range recent[i+1:] {
					send(req.sub, missed)
				}
				break
			}

		case s := <-b.leaveCh:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.ch)
			}

		case event := <-b.publishCh:
			f, err := encode(event)
			if err != nil {
				b.logger.Warn("sse: encode event", slog.String("event", event.Type), slog.String("error", err.Error()))
				continue
			}
			if b.history > 0 {
				recent = append(recent, f)
				if len(recent) > b.history {
					recent = recent[len(recent)-b.history:]
				}
			}
			for s := range subs {
				send(s, f)
			}

		case resp := <-b.countCh:
			resp <- len(subs)
		}
	}
}

// Close stops the run loop and ends every subscription. It is safe to call
// more than once.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client. kinds restricts delivery to those event
// types; none means all. A non-empty lastEventID replays the buffered events
// published after it.
func (b *Broker) Subscribe(lastEventID string, kinds ...string) *Subscription {
	ch := make(chan []byte, clientBuffer)
	s := &Subscription{C: ch, ch: ch, b: b}
	if len(kinds) > 0 {
		s.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(ch)
		return s
	}
	select {
	case b.joinCh <- joinReq{sub: s, lastID: lastEventID}:
	case <-b.stopped:
		close(ch)
	}
	return s
}

// ClientCount returns the number of live subscriptions.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish hands event to the run loop, which delivers it to every matching
// subscription. The loop never blocks on a client, so neither does Publish.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishAtomEvent publishes kind ("atom.created", "index.rebuilt", ...) for
// atom id. Its signature matches atomservice.Notifier.
func (b *Broker) PublishAtomEvent(kind, id string) {
	b.Publish(Event{Type: kind, Data: AtomEventData{ID: id}})
}

// parseKinds reads ?types=a,b or repeated ?types= values.
func parseKinds(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["types"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}

// ServeHTTP streams events (GET /api/events). The stream ends when the client
// disconnects or the broker closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.Subscribe(r.Header.Get("Last-Event-ID"), parseKinds(r)...)
	defer sub.Close()

	var tick <-chan time.Time
	if b.keepAlive > 0 {
		t := time.NewTicker(b.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
