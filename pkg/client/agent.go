// Package client implements a reconnecting agent for the real-time
// notification endpoint. The agent opens a connection carrying a signed
// identity token, answers server heartbeats, buffers outbound messages while
// disconnected, and reconnects automatically with bounded exponential
// backoff, reacting to network-availability transitions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of the agent's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoffWait
	StateWaitForNetwork
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoffWait:
		return "backoff_wait"
	case StateWaitForNetwork:
		return "wait_for_network"
	default:
		return "unknown"
	}
}

// Transport is one established connection to the server.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes transports. Production code uses the WebSocket dialer
// from NewAgent; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Config holds agent tunables.
type Config struct {
	// URL of the real-time endpoint, without the token parameter.
	URL string
	// Token is the signed identity token appended as ?token= on dial.
	Token string

	BaseDelay   time.Duration // first reconnect delay (default 1s)
	MaxDelay    time.Duration // reconnect delay cap (default 30s)
	MaxAttempts int           // consecutive failures before giving up (default 10)

	Dialer Dialer // defaults to the gorilla/websocket dialer
	Logger zerolog.Logger
}

// ErrNotRunning is returned by Send after Close.
var ErrNotRunning = errors.New("agent is closed")

// Agent maintains a resilient connection to the notification endpoint.
//
// State machine: Disconnected → Connecting → Connected. An unclean close or
// socket error moves Connected to BackoffWait, then back to Connecting after
// the delay. WaitForNetwork is entered whenever the host reports no
// connectivity; the network-restored signal resets the attempt counter and
// goes straight to Connecting, bypassing any pending backoff.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	attempts  int
	networkUp bool
	manual    bool // closed deliberately; only Connect resumes
	started   bool // Connect has been called at least once
	transport Transport
	outbound  [][]byte
	gen       int // connection generation; stale read loops are ignored

	retryTimer *time.Timer

	stateListeners []func(State)
	msgListeners   []func([]byte)
}

// NewAgent creates an agent. Call Connect to start it.
func NewAgent(cfg Config) *Agent {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Dialer == nil {
		cfg.Dialer = newWebSocketDialer()
	}
	return &Agent{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "client").Logger(),
		state:     StateDisconnected,
		networkUp: true,
	}
}

// OnStateChange registers a listener invoked synchronously on every state
// transition. Register before Connect.
func (a *Agent) OnStateChange(fn func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateListeners = append(a.stateListeners, fn)
}

// OnMessage registers a listener invoked once per inbound application
// message. Heartbeat control frames are filtered out before dispatch.
func (a *Agent) OnMessage(fn func([]byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgListeners = append(a.msgListeners, fn)
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Attempts returns the consecutive-failure count.
func (a *Agent) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// setState transitions and returns the listener snapshot; the caller must
// hold mu and invoke the returned functions after releasing it.
func (a *Agent) setState(s State) []func(State) {
	if a.state == s {
		return nil
	}
	a.state = s
	return slices.Clone(a.stateListeners)
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// Connect starts (or manually restarts) the agent. It resets the attempt
// counter and dials asynchronously.
func (a *Agent) Connect() {
	a.mu.Lock()
	if a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return
	}
	a.manual = false
	a.started = true
	a.attempts = 0
	a.cancelRetryLocked()
	gen := a.gen
	listeners := a.setState(StateConnecting)
	a.mu.Unlock()

	notify(listeners, StateConnecting)
	go a.dial(gen)
}

// Close deliberately disconnects. Any pending reconnect is cancelled; the
// agent stays down until Connect is called again.
func (a *Agent) Close() {
	a.mu.Lock()
	a.manual = true
	a.gen++
	a.cancelRetryLocked()
	t := a.transport
	a.transport = nil
	listeners := a.setState(StateDisconnected)
	a.mu.Unlock()

	if t != nil {
		t.Close()
	}
	notify(listeners, StateDisconnected)
}

// Send transmits an application message, buffering it in FIFO order while
// the agent is not connected. The buffer drains ahead of new messages once
// the connection is re-established.
func (a *Agent) Send(data []byte) error {
	a.mu.Lock()
	if a.manual {
		a.mu.Unlock()
		return ErrNotRunning
	}
	if a.state != StateConnected || a.transport == nil {
		a.outbound = append(a.outbound, data)
		a.mu.Unlock()
		return nil
	}
	t := a.transport
	gen := a.gen
	a.mu.Unlock()

	if err := t.WriteMessage(data); err != nil {
		a.handleFailure(gen, err)
		// The message was not delivered; buffer it for the next connection.
		a.mu.Lock()
		a.outbound = append(a.outbound, data)
		a.mu.Unlock()
	}
	return nil
}

// SetNetworkAvailable feeds host connectivity transitions into the state
// machine. Losing the network cancels any pending retry and parks the agent
// in WaitForNetwork; regaining it resets the attempt counter and dials
// immediately, bypassing any remaining backoff delay.
func (a *Agent) SetNetworkAvailable(up bool) {
	a.mu.Lock()
	a.networkUp = up

	if !up {
		switch a.state {
		case StateConnecting, StateBackoffWait:
			a.cancelRetryLocked()
			a.gen++
			listeners := a.setState(StateWaitForNetwork)
			a.mu.Unlock()
			notify(listeners, StateWaitForNetwork)
			return
		}
		// Connected: leave the socket alone, the read loop will surface the
		// failure and find networkUp false.
		a.mu.Unlock()
		return
	}

	resume := false
	switch a.state {
	case StateWaitForNetwork, StateBackoffWait:
		resume = true
	case StateDisconnected:
		// Only a terminal stop resumes; a never-started or manually closed
		// agent stays down until Connect.
		resume = a.started && !a.manual
	}
	if !resume {
		a.mu.Unlock()
		return
	}

	a.attempts = 0
	a.cancelRetryLocked()
	a.gen++
	gen := a.gen
	listeners := a.setState(StateConnecting)
	a.mu.Unlock()

	notify(listeners, StateConnecting)
	go a.dial(gen)
}

// dial attempts one connection for the given generation.
func (a *Agent) dial(gen int) {
	a.mu.Lock()
	if gen != a.gen || a.state != StateConnecting {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	url := a.cfg.URL
	if a.cfg.Token != "" {
		url += "?token=" + a.cfg.Token
	}

	t, err := a.cfg.Dialer.Dial(context.Background(), url)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Dial failed")
		a.handleFailure(gen, err)
		return
	}

	// Drain everything buffered while disconnected through the new transport
	// BEFORE publishing the Connected state. Until the drain completes the
	// state stays Connecting and a.transport stays nil, so concurrent Sends
	// (including ones issued from a state listener) keep landing in the
	// buffer behind the messages already queued, preserving FIFO order.
	for {
		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			t.Close()
			return
		}
		if len(a.outbound) == 0 {
			a.transport = t
			a.attempts = 0
			listeners := a.setState(StateConnected)
			a.mu.Unlock()

			notify(listeners, StateConnected)
			a.logger.Info().Str("url", a.cfg.URL).Msg("Connected")
			go a.readLoop(gen, t)
			return
		}
		batch := a.outbound
		a.outbound = nil
		a.mu.Unlock()

		for i, data := range batch {
			if err := t.WriteMessage(data); err != nil {
				a.mu.Lock()
				if gen == a.gen {
					a.outbound = append(slices.Clone(batch[i:]), a.outbound...)
				}
				a.mu.Unlock()
				// The transport was never stored, so handleFailure cannot
				// close it.
				t.Close()
				a.handleFailure(gen, err)
				return
			}
		}
	}
}

// readLoop consumes inbound frames until the transport fails. Heartbeat
// control frames refresh the connection implicitly and are answered with a
// pong; only application messages reach the listeners.
func (a *Agent) readLoop(gen int, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			a.handleFailure(gen, err)
			return
		}

		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &frame) == nil {
			switch frame.Type {
			case "ping":
				pong, _ := json.Marshal(map[string]any{
					"type":      "pong",
					"timestamp": time.Now().UnixMilli(),
				})
				if err := t.WriteMessage(pong); err != nil {
					a.handleFailure(gen, err)
					return
				}
				continue
			case "pong":
				continue
			}
		}

		a.mu.Lock()
		listeners := slices.Clone(a.msgListeners)
		a.mu.Unlock()
		for _, fn := range listeners {
			fn(data)
		}
	}
}

// handleFailure reacts to a dial error or a dropped connection for the given
// generation. Stale generations (already superseded by a manual close,
// network transition, or newer connection) are ignored.
func (a *Agent) handleFailure(gen int, cause error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.gen++
	t := a.transport
	a.transport = nil

	if !a.networkUp {
		listeners := a.setState(StateWaitForNetwork)
		a.mu.Unlock()
		if t != nil {
			t.Close()
		}
		notify(listeners, StateWaitForNetwork)
		return
	}

	a.attempts++
	if a.attempts >= a.cfg.MaxAttempts {
		attempts := a.attempts
		listeners := a.setState(StateDisconnected)
		a.mu.Unlock()
		if t != nil {
			t.Close()
		}
		a.logger.Error().
			Err(cause).
			Int("attempts", attempts).
			Msg("Giving up after consecutive failures")
		notify(listeners, StateDisconnected)
		return
	}

	delay := backoffDelay(a.cfg.BaseDelay, a.cfg.MaxDelay, a.attempts-1)
	nextGen := a.gen
	a.retryTimer = time.AfterFunc(delay, func() {
		a.retry(nextGen)
	})
	listeners := a.setState(StateBackoffWait)
	attempts := a.attempts
	a.mu.Unlock()

	if t != nil {
		t.Close()
	}
	a.logger.Debug().
		Err(cause).
		Int("attempt", attempts).
		Dur("delay", delay).
		Msg("Connection lost, retry scheduled")
	notify(listeners, StateBackoffWait)
}

// retry fires when a scheduled backoff delay elapses.
func (a *Agent) retry(gen int) {
	a.mu.Lock()
	if gen != a.gen || a.state != StateBackoffWait {
		a.mu.Unlock()
		return
	}
	listeners := a.setState(StateConnecting)
	a.mu.Unlock()

	notify(listeners, StateConnecting)
	a.dial(gen)
}

// cancelRetryLocked stops any scheduled retry. Caller holds mu.
func (a *Agent) cancelRetryLocked() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}
