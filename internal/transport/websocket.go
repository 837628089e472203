package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tunes the websocket transport. Zero values fall back to the defaults below.
type Options struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	SendBuffer        int
	ReadLimit         int64
	Header            http.Header
	Logger            *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Header == nil {
		o.Header = http.Header{}
		o.Header.Add("User-Agent", "Marketstream/1.0")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// NewFactory returns a Factory producing websocket connections with opts.
func NewFactory(opts Options) Factory {
	return func(url string, h Handler) Conn {
		return NewWebsocket(url, h, opts)
	}
}

// Websocket is a gorilla/websocket Conn with a buffered writer and exponential-backoff
// reconnection.
type Websocket struct {
	url     string
	opts    Options
	handler Handler
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	out       chan []byte
	connected bool
	started   bool
	running   bool
	closed    bool
}

// NewWebsocket creates an unconnected websocket transport.
func NewWebsocket(url string, h Handler, opts Options) *Websocket {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	if h == nil {
		h = func(Event) {}
	}
	return &Websocket{
		url:     url,
		opts:    opts,
		handler: h,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (w *Websocket) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.ReconnectDelay
	b.MaxInterval = w.opts.MaxReconnectDelay
	return b
}

func (w *Websocket) nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	sleep := b.NextBackOff()
	if sleep == backoff.Stop {
		sleep = w.opts.MaxReconnectDelay
	}
	return sleep
}

// Connect dials until a session is up or ctx is done, then hands the session to the
// background loop that keeps it alive.
func (w *Websocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	b := w.newBackoff()
	for {
		conn, err := w.dial(ctx)
		if err == nil {
			go w.run(conn)
			return nil
		}
		w.emit(Event{Kind: EventError, Err: err})

		select {
		case <-ctx.Done():
			w.abandon()
			return ctx.Err()
		case <-w.ctx.Done():
			w.abandon()
			return ErrClosed
		case <-time.After(w.nextDelay(b)):
		}
	}
}

// abandon lets a later Connect try again after a cancelled first dial.
func (w *Websocket) abandon() {
	w.mu.Lock()
	w.started = false
	w.mu.Unlock()
}

func (w *Websocket) dial(ctx context.Context) (*websocket.Conn, error) {
	w.emit(Event{Kind: EventConnecting})

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.opts.HandshakeTimeout,
	}
	// Close must be able to interrupt a dial in progress.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	conn, resp, err := dialer.DialContext(dctx, w.url, w.opts.Header)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		return nil, fmt.Errorf("dial %s: %w (status: %s)", w.url, err, status)
	}
	if w.opts.ReadLimit > 0 {
		conn.SetReadLimit(w.opts.ReadLimit)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	w.conn = conn
	w.out = make(chan []byte, w.opts.SendBuffer)
	w.connected = true
	w.running = true
	w.mu.Unlock()

	w.logger.Debugw("websocket connected", "url", w.url)
	w.emit(Event{Kind: EventConnected})
	return conn, nil
}

func (w *Websocket) run(conn *websocket.Conn) {
	defer close(w.done)

	b := w.newBackoff()
	for {
		err := w.serve(conn)
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warnw("websocket disconnected", "url", w.url, "error", err)
		w.emit(Event{Kind: EventDisconnected, Err: err})

		conn = nil
		for conn == nil {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.nextDelay(b)):
			}
			var derr error
			conn, derr = w.dial(w.ctx)
			if derr != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.emit(Event{Kind: EventError, Err: derr})
			}
		}
		b.Reset()
	}
}

// serve pumps one session until the read side fails.
func (w *Websocket) serve(conn *websocket.Conn) error {
	w.mu.Lock()
	out := w.out
	w.mu.Unlock()

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go w.writeLoop(conn, out, stop, writerDone)

	var err error
	for {
		var data []byte
		_, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		w.emit(Event{Kind: EventMessage, Data: data})
	}

	w.mu.Lock()
	w.connected = false
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()

	close(stop)
	conn.Close()
	<-writerDone
	return err
}

func (w *Websocket) writeLoop(conn *websocket.Conn, out <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.emit(Event{Kind: EventError, Err: fmt.Errorf("write: %w", err)})
				// Unblock the reader so the session is torn down.
				conn.Close()
				return
			}
		}
	}
}

// Send queues data for the current session without blocking.
func (w *Websocket) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.connected {
		return ErrNotConnected
	}
	select {
	case w.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// IsConnected reports whether a session is currently up.
func (w *Websocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Close terminates the connection. It is safe to call more than once.
func (w *Websocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	running := w.running
	w.mu.Unlock()

	w.emit(Event{Kind: EventClosing})
	w.cancel()
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	if running {
		<-w.done
	}

	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	w.emit(Event{Kind: EventClosed})
	return nil
}

func (w *Websocket) emit(ev Event) {
	w.handler(ev)
}
