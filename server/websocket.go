package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"msgrelay/models"
	"msgrelay/relay"
)

// AddressHeader carries the client's claimed address on the websocket
// handshake. The address query parameter is accepted as a fallback for
// browsers, which cannot set headers on a websocket upgrade.
const AddressHeader = "X-Relay-Address"

// Websocket event names, matching the socket.io events of the web client.
const (
	EventMessage   = "message"
	EventDelivered = "delivered"
	EventPing      = "ping"
	EventPong      = "pong"
	EventError     = "error"
	EventBye       = "bye"
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type deliveredPayload struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
}

type errorPayload struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// WebsocketHandler serves the websocket transport.
type WebsocketHandler struct {
	engine   *relay.Engine
	registry *Registry
	config   *ServerConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	handlers sync.WaitGroup
}

func NewWebsocketHandler(engine *relay.Engine, registry *Registry, config *ServerConfig, logger zerolog.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		engine:   engine,
		registry: registry,
		config:   config,
		logger:   logger.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity is trusted as claimed, so origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// wsEndpoint serializes writes to one websocket connection.
type wsEndpoint struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (e *wsEndpoint) send(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	return e.conn.WriteJSON(Frame{Event: event, Data: raw})
}

func (e *wsEndpoint) WriteMessage(m models.Message) error {
	return e.send(EventMessage, m)
}

func (e *wsEndpoint) WriteDelivered(id string) error {
	return e.send(EventDelivered, id)
}

func (e *wsEndpoint) Close(reason string) error {
	e.send(EventBye, reason)
	e.mu.Lock()
	e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
	e.mu.Unlock()
	return e.conn.Close()
}

func (e *wsEndpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}

func (e *wsEndpoint) sendError(op, msg string) {
	e.send(EventError, errorPayload{Op: op, Error: msg})
}

// Wait blocks until every websocket connection has been torn down, or ctx is
// done. http.Server.Shutdown does not track hijacked connections.
func (h *WebsocketHandler) Wait(ctx context.Context) error {
	return waitGroup(ctx, &h.handlers)
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handlers.Add(1)
	defer h.handlers.Done()

	address := strings.TrimSpace(r.Header.Get(AddressHeader))
	if address == "" {
		address = strings.TrimSpace(r.URL.Query().Get("address"))
	}
	if address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	ep := &wsEndpoint{conn: conn, writeTimeout: h.config.WriteTimeout}
	ref := h.registry.Register(ep)
	log := h.logger.With().Str("remote", ep.RemoteAddr()).Str("conn", ref).Str("address", address).Logger()
	defer h.closeConnection(ref, ep, log)

	ctx := context.Background()
	h.registry.Bind(ref, address)
	if err := h.engine.Connect(ctx, address, ref); err != nil {
		log.Error().Err(err).Msg("connect failed")
		ep.sendError("connect", "Internal error")
		return
	}
	log.Info().Msg("client identified")

	for {
		conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
				ep.sendError("", "Invalid frame")
				continue
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Warn().Err(err).Msg("read error")
			}
			return
		}

		h.handleFrame(ctx, ref, address, ep, frame, log)
	}
}

func (h *WebsocketHandler) handleFrame(ctx context.Context, ref, address string, ep *wsEndpoint, frame Frame, log zerolog.Logger) {
	switch frame.Event {
	case EventPing:
		if err := h.engine.Heartbeat(ctx, address, ref); err != nil {
			log.Error().Err(err).Msg("heartbeat failed")
		}
		ep.send(EventPong, nil)

	case EventMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			ep.sendError(EventMessage, "Invalid message format")
			return
		}
		if err := h.engine.Send(ctx, msg); err != nil {
			if errors.Is(err, relay.ErrMalformedPayload) {
				ep.sendError(EventMessage, "Id, sender and receiver required")
				return
			}
			log.Error().Err(err).Str("message_id", msg.ID).Msg("send failed")
			ep.sendError(EventMessage, "Internal error")
		}

	case EventDelivered:
		var ack deliveredPayload
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			ep.sendError(EventDelivered, "Invalid delivered format")
			return
		}
		if err := h.engine.AcknowledgeDelivery(ctx, ack.ID, ack.Sender); err != nil {
			if errors.Is(err, relay.ErrMalformedPayload) {
				ep.sendError(EventDelivered, "Id and sender required")
				return
			}
			log.Error().Err(err).Str("message_id", ack.ID).Msg("acknowledge failed")
			ep.sendError(EventDelivered, "Internal error")
		}

	default:
		ep.sendError(frame.Event, "Unknown event")
	}
}

func (h *WebsocketHandler) closeConnection(ref string, ep *wsEndpoint, log zerolog.Logger) {
	address := h.registry.Unregister(ref)
	ep.conn.Close()

	if address != "" {
		if err := h.engine.Disconnect(context.Background(), address, ref); err != nil {
			log.Error().Err(err).Msg("disconnect failed")
		}
	}
	log.Debug().Msg("client disconnected")
}
