// Package hostapi exposes the bridge to host applications over a local
// websocket: JSON requests in, responses and consumer events out.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/srg/ringbridge/internal/bridge"
	"github.com/srg/ringbridge/internal/groutine"
	"github.com/srg/ringbridge/pkg/ring"
)

const (
	// DefaultSendBuffer is the per-client outbound queue length.
	DefaultSendBuffer = 64

	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// API is the bridge surface the server exposes.
type API interface {
	Connect(ctx context.Context, deviceID string) (ring.ConnectAck, error)
	Disconnect() error
	MeasureHeartRate() error
	FetchTemperatureHistory() error
	FetchSleepHistory() error
	SendCommand() error
	Reconcile(ctx context.Context) (ring.SyncResult, error)
	AddListener(event bridge.EventName, fn bridge.Listener) func()
}

type handler func(ctx context.Context, params json.RawMessage) (any, error)

type client struct {
	id        string
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server is the websocket host surface.
type Server struct {
	api      API
	addr     string
	logger   *logrus.Logger
	handlers map[string]handler
	clients  *hashmap.Map[string, *client]

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr atomic.String
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a server for api listening on addr.
func NewServer(api API, addr string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		api:     api,
		addr:    addr,
		logger:  logger,
		clients: hashmap.New[string, *client](),
		ready:   make(chan struct{}),
	}
	s.handlers = map[string]handler{
		"connect":                 s.connect,
		"disconnect":              command(api.Disconnect),
		"measureHeartRate":        command(api.MeasureHeartRate),
		"fetchTemperatureHistory": command(api.FetchTemperatureHistory),
		"fetchSleepHistory":       command(api.FetchSleepHistory),
		"sendCommand":             command(api.SendCommand),
		"history":                 s.history,
		"ping": func(context.Context, json.RawMessage) (any, error) {
			return "pong", nil
		},
	}
	return s
}

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("host api listen: %w", err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.boundAddr.Store(listener.Addr().String())
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.WithField("addr", listener.Addr().String()).Info("Host API listening")

	groutine.Go(ctx, "hostapi-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	})

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("host api serve: %w", err)
	}
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(id string, c *client) bool {
		c.close()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Del(id)
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	return s.boundAddr.Load()
}

// Ready is closed once Start has bound the listener.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return s.clients.Len()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("Websocket accept failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		ws:     ws,
		sendCh: make(chan Frame, DefaultSendBuffer),
		done:   make(chan struct{}),
	}
	log := s.logger.WithField("client", c.id)

	var removers []func()
	for _, event := range bridge.Events {
		removers = append(removers, s.api.AddListener(event, func(name bridge.EventName, payload any) {
			s.enqueue(c, Frame{Type: FrameTypeEvent, Event: string(name), Data: payload})
		}))
	}
	s.clients.Set(c.id, c)
	log.Info("Host client connected")

	groutine.Go(r.Context(), "hostapi-write-"+c.id, func(context.Context) {
		s.writeLoop(c)
	})
	s.readLoop(r.Context(), c)

	for _, remove := range removers {
		remove()
	}
	c.close()
	s.clients.Del(c.id)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	log.Info("Host client disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.enqueue(c, Frame{Type: FrameTypeResponse, Error: &FrameError{Kind: KindInvalidParams, Message: "malformed frame"}})
			continue
		}
		if frame.Type != "" && frame.Type != FrameTypeRequest {
			continue
		}
		if frame.Method == "" {
			s.enqueue(c, Frame{Type: FrameTypeResponse, ID: frame.ID, Error: &FrameError{Kind: KindInvalidParams, Message: "missing method"}})
			continue
		}
		s.dispatch(ctx, c, frame)
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				s.logger.WithError(err).WithField("client", c.id).Debug("Write failed")
				return
			}
		}
	}
}

// dispatch runs on the read goroutine, so one client's requests complete in order.
func (s *Server) dispatch(ctx context.Context, c *client, req Frame) {
	resp := Frame{Type: FrameTypeResponse, ID: req.ID}

	h, found := s.handlers[req.Method]
	if !found {
		resp.Error = &FrameError{Kind: KindMethodNotFound, Message: "unknown method " + req.Method}
		s.enqueue(c, resp)
		return
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		resp.Error = toFrameError(err)
		s.logger.WithFields(logrus.Fields{
			"client": c.id,
			"method": req.Method,
			"error":  err,
		}).Debug("Request failed")
	} else {
		resp.Result = result
	}
	s.enqueue(c, resp)
}

func (s *Server) enqueue(c *client, frame Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.sendCh <- frame:
	default:
		s.logger.WithFields(logrus.Fields{
			"client": c.id,
			"type":   frame.Type,
		}).Warn("Dropped frame for slow client")
	}
}

func command(fn func() error) handler {
	return func(context.Context, json.RawMessage) (any, error) {
		if err := fn(); err != nil {
			return nil, err
		}
		return statusOK, nil
	}
}

type connectParams struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) connect(ctx context.Context, params json.RawMessage) (any, error) {
	var p connectParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &FrameError{Kind: KindInvalidParams, Message: err.Error()}
		}
	}
	ack, err := s.api.Connect(ctx, p.DeviceID)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (s *Server) history(ctx context.Context, _ json.RawMessage) (any, error) {
	result, err := s.api.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}
