package southbound

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/protocol"
)

// WebSocketOptions configures the gorilla/websocket-backed Adapter.
type WebSocketOptions struct {
	ListenAddr string
	Path       string
	Profiles   *ProfileStore
	Replay     *ReplayGuard
	Log        zerolog.Logger
}

// WebSocketAdapter implements Adapter over a single HTTP listener that
// upgrades every connection to a socket carrying one device's full-duplex
// envelope stream.
type WebSocketAdapter struct {
	opts     WebSocketOptions
	upgrader websocket.Upgrader
	srv      *http.Server
	events   chan protocol.Envelope
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn // device_id -> active connection
}

// NewWebSocketAdapter builds an adapter; Start opens the listener.
func NewWebSocketAdapter(opts WebSocketOptions) *WebSocketAdapter {
	if opts.Path == "" {
		opts.Path = "/v1/device/stream"
	}
	if opts.Profiles == nil {
		opts.Profiles = NewProfileStore()
	}
	if opts.Replay == nil {
		opts.Replay = NewReplayGuard(64, 5*time.Second)
	}
	return &WebSocketAdapter{
		opts:     opts,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		events:   make(chan protocol.Envelope, 256),
		log:      opts.Log,
		conns:    make(map[string]*websocket.Conn),
	}
}

func (a *WebSocketAdapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(a.opts.Path, a.handleUpgrade)

	ln, err := net.Listen("tcp", a.opts.ListenAddr)
	if err != nil {
		return unavailablef("listen on %s: %v", a.opts.ListenAddr, err)
	}

	a.srv = &http.Server{Handler: mux}
	go func() {
		if err := a.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("websocket southbound listener exited")
		}
	}()
	a.log.Info().Str("addr", a.opts.ListenAddr).Str("path", a.opts.Path).Msg("websocket southbound listening")
	return nil
}

func (a *WebSocketAdapter) Stop() error {
	var err error
	if a.srv != nil {
		err = a.srv.Close()
	}
	a.mu.Lock()
	for _, c := range a.conns {
		c.Close()
	}
	a.conns = nil
	a.mu.Unlock()
	close(a.events)
	return err
}

func (a *WebSocketAdapter) Events() <-chan protocol.Envelope {
	return a.events
}

// Send writes a command frame to the device's active connection, if any. A
// device with no open socket is treated as offline and Send returns
// ErrTransportUnavailable; nothing here buffers the command.
func (a *WebSocketAdapter) Send(ctx context.Context, env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	conn, ok := a.conns[env.DeviceID]
	a.mu.Unlock()
	if !ok {
		return ErrTransportUnavailable
	}

	profile := a.opts.Profiles.Get(deviceProfileName(env.DeviceID))
	raw := profile.Denormalize(env)
	return conn.WriteJSON(raw)
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	go a.readLoop(conn)
}

func (a *WebSocketAdapter) readLoop(conn *websocket.Conn) {
	var deviceID string
	defer func() {
		conn.Close()
		if deviceID != "" {
			a.mu.Lock()
			delete(a.conns, deviceID)
			a.mu.Unlock()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			a.log.Warn().Err(err).Msg("dropping unparseable websocket frame")
			continue
		}

		profile := a.opts.Profiles.Get(deviceProfileName(""))
		raw = profile.Normalize(raw)

		env, err := envelopeFromNormalized(raw)
		if err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed websocket frame")
			continue
		}

		if deviceID == "" {
			deviceID = env.DeviceID
			a.mu.Lock()
			a.conns[deviceID] = conn
			a.mu.Unlock()
		}

		outcome := a.opts.Replay.Check(env.DeviceID, env.SessionID, env.Seq, env.TsMs, time.Now())
		if outcome == OutcomeReplayRejected {
			a.log.Warn().Str("device_id", env.DeviceID).Int64("seq", env.Seq).Msg("rejecting replayed message")
			continue
		}
		a.events <- env
	}
}
