package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/careline/careline-go-api/internal/dto"
	"github.com/careline/careline-go-api/internal/observability"
	"github.com/careline/careline-go-api/internal/repository"
)

const (
	handshakeTimeout  = 15 * time.Second
	keepaliveInterval = 30 * time.Second
	defaultSendBuffer = 32
)

// errHandshakeRejected terminates a connection that failed authentication.
var errHandshakeRejected = errors.New("handshake rejected")

// RealtimeGateway owns the socket protocol. Each connection walks the state
// machine Unauthenticated -> Authenticated -> (JoinedRoom)* -> Disconnected:
// the first frame must be a connect handshake, after which the connection owns
// its verified identity and every event is authorized against it. Handler
// failures become an error frame on that connection only; they never tear down
// the connection or its room peers.
type RealtimeGateway struct {
	chat       ChatService
	presence   *PresenceRegistry
	directory  repository.DirectoryRepository
	validator  *validator.Validate
	logger     zerolog.Logger
	sendBuffer int
}

// NewRealtimeGateway creates the websocket gateway.
func NewRealtimeGateway(chat ChatService, presence *PresenceRegistry, directory repository.DirectoryRepository, validate *validator.Validate, sendBuffer int, logger zerolog.Logger) *RealtimeGateway {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &RealtimeGateway{
		chat:       chat,
		presence:   presence,
		directory:  directory,
		validator:  validate,
		logger:     logger.With().Str("component", "realtime_gateway").Logger(),
		sendBuffer: sendBuffer,
	}
}

type gatewayClient struct {
	conn    *websocket.Conn
	send    chan dto.OutboundEvent
	gateway *RealtimeGateway
	actor   Actor
	baseCtx context.Context
	closed  chan struct{}
	once    sync.Once
}

// Send implements EventSink. It never blocks; frames for slow consumers are
// dropped and the registry counts them.
func (c *gatewayClient) Send(event dto.OutboundEvent) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// ServeConnection drives one websocket connection to completion. It blocks
// until the peer disconnects or the handshake fails.
func (g *RealtimeGateway) ServeConnection(conn *websocket.Conn, baseCtx context.Context) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	client := &gatewayClient{
		conn:    conn,
		send:    make(chan dto.OutboundEvent, g.sendBuffer),
		gateway: g,
		baseCtx: baseCtx,
		closed:  make(chan struct{}),
	}

	go client.writer()

	actor, err := g.handshake(client)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket handshake failed")
		client.close()
		return
	}

	client.actor = actor
	g.presence.Register(actor.ID, actor.Role, actor.Name, client)
	observability.ChatConnectionsTotal().Inc()

	client.Send(dto.OutboundEvent{Event: dto.EventConnected, Data: dto.ConnectedPayload{
		Message:   "Connected successfully",
		UserID:    actor.ID,
		UserType:  actor.Role,
		Timestamp: time.Now().UTC(),
	}})

	if count, countErr := g.chat.UnreadCount(baseCtx, actor); countErr == nil {
		client.Send(dto.OutboundEvent{Event: dto.EventUnreadCount, Data: count})
	}

	g.logger.Info().Str("user_id", actor.ID).Str("role", actor.Role).Msg("websocket connected")
	client.reader()

	g.presence.Unregister(actor.ID, client)
	client.close()
	g.logger.Info().Str("user_id", actor.ID).Msg("websocket disconnected")
}

// handshake reads the first frame and authenticates it. Failure is terminal:
// the connection is closed without retry.
func (g *RealtimeGateway) handshake(client *gatewayClient) (Actor, error) {
	_ = client.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = client.conn.SetReadDeadline(time.Time{}) }()

	var envelope dto.SocketEnvelope
	if err := client.conn.ReadJSON(&envelope); err != nil {
		return Actor{}, fmt.Errorf("%w: %v", errHandshakeRejected, err)
	}
	return g.authenticate(client, envelope)
}

// authenticate verifies the connect frame against the directory and yields the
// identity the connection owns from then on.
func (g *RealtimeGateway) authenticate(client *gatewayClient, envelope dto.SocketEnvelope) (Actor, error) {
	if envelope.Event != dto.EventConnect {
		return Actor{}, fmt.Errorf("%w: first frame must be %q", errHandshakeRejected, dto.EventConnect)
	}

	var payload dto.ConnectPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return Actor{}, fmt.Errorf("%w: malformed payload", errHandshakeRejected)
	}
	if err := g.validator.Struct(payload); err != nil {
		return Actor{}, fmt.Errorf("%w: %v", errHandshakeRejected, err)
	}

	exists, err := g.directory.UserExists(client.baseCtx, payload.UserID, payload.UserType)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: directory lookup failed: %v", errHandshakeRejected, err)
	}
	if !exists {
		return Actor{}, fmt.Errorf("%w: unknown %s %s", errHandshakeRejected, payload.UserType, payload.UserID)
	}

	return Actor{ID: payload.UserID, Role: payload.UserType, Name: payload.UserName}, nil
}

func (c *gatewayClient) reader() {
	for {
		var envelope dto.SocketEnvelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			c.gateway.logger.Debug().Err(err).Str("user_id", c.actor.ID).Msg("websocket read loop ended")
			return
		}
		c.gateway.dispatch(c, envelope)
	}
}

func (c *gatewayClient) writer() {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.gateway.logger.Debug().Err(err).Msg("websocket write loop terminated")
				c.close()
				return
			}
		case <-time.After(keepaliveInterval):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.gateway.logger.Debug().Err(err).Msg("websocket ping failed")
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *gatewayClient) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *gatewayClient) sendError(message string) {
	c.Send(dto.OutboundEvent{Event: dto.EventError, Data: dto.ErrorPayload{Message: message}})
}

// dispatch routes one inbound frame. Every failure is converted into an error
// frame for this connection; no handler may panic the connection or mutate
// state on behalf of an identity other than the authenticated actor.
func (g *RealtimeGateway) dispatch(client *gatewayClient, envelope dto.SocketEnvelope) {
	switch envelope.Event {
	case dto.EventJoinRoom:
		g.handleJoinRoom(client, envelope.Data)
	case dto.EventLeaveRoom:
		g.handleLeaveRoom(client, envelope.Data)
	case dto.EventSendMessage:
		g.handleSendMessage(client, envelope.Data)
	case dto.EventTypingStart:
		g.handleTyping(client, envelope.Data, true)
	case dto.EventTypingStop:
		g.handleTyping(client, envelope.Data, false)
	case dto.EventMessageRead:
		g.handleMessageRead(client, envelope.Data)
	default:
		client.sendError(fmt.Sprintf("unknown event: %s", envelope.Event))
	}
}

func (g *RealtimeGateway) handleJoinRoom(client *gatewayClient, data json.RawMessage) {
	var payload dto.RoomPayload
	if !g.decode(client, data, &payload) {
		return
	}

	room, err := g.chat.RoomForActor(client.baseCtx, client.actor, payload.RoomID)
	if err != nil {
		client.sendError(userMessage(err, "failed to join room"))
		return
	}

	g.presence.JoinRoom(client.actor.ID, room.RoomID)

	g.presence.EmitToRoom(room.RoomID, dto.OutboundEvent{Event: dto.EventUserJoined, Data: dto.RoomEventPayload{
		UserID:    client.actor.ID,
		UserRole:  client.actor.Role,
		UserName:  client.actor.Name,
		RoomID:    room.RoomID,
		Timestamp: time.Now().UTC(),
	}}, client.actor.ID)

	client.Send(dto.OutboundEvent{Event: dto.EventRoomJoined, Data: dto.RoomEventPayload{
		UserID:    client.actor.ID,
		UserRole:  client.actor.Role,
		RoomID:    room.RoomID,
		Timestamp: time.Now().UTC(),
	}})

	if last := g.chat.CachedLastMessage(client.baseCtx, room.RoomID); last != nil {
		client.Send(dto.OutboundEvent{Event: dto.EventNewMessage, Data: *last})
	}
}

func (g *RealtimeGateway) handleLeaveRoom(client *gatewayClient, data json.RawMessage) {
	var payload dto.RoomPayload
	if !g.decode(client, data, &payload) {
		return
	}

	g.presence.LeaveRoom(client.actor.ID, payload.RoomID)

	g.presence.EmitToRoom(payload.RoomID, dto.OutboundEvent{Event: dto.EventUserLeft, Data: dto.RoomEventPayload{
		UserID:    client.actor.ID,
		UserRole:  client.actor.Role,
		RoomID:    payload.RoomID,
		Timestamp: time.Now().UTC(),
	}}, client.actor.ID)
}

func (g *RealtimeGateway) handleSendMessage(client *gatewayClient, data json.RawMessage) {
	var payload dto.ChatSendRequest
	if !g.decode(client, data, &payload) {
		return
	}

	// ChatService persists and broadcasts new_message to the room, sender
	// included, so the sender's echo doubles as the delivery ack.
	if _, err := g.chat.SendMessage(client.baseCtx, client.actor, payload); err != nil {
		client.sendError(userMessage(err, "failed to send message"))
	}
}

// handleTyping relays typing state to the room, excluding the typist. Typing
// events are never persisted.
func (g *RealtimeGateway) handleTyping(client *gatewayClient, data json.RawMessage, typing bool) {
	var payload dto.RoomPayload
	if !g.decode(client, data, &payload) {
		return
	}

	if !g.presence.InRoom(client.actor.ID, payload.RoomID) {
		client.sendError("join the room before sending typing events")
		return
	}

	g.presence.EmitToRoom(payload.RoomID, dto.OutboundEvent{Event: dto.EventUserTyping, Data: dto.RoomEventPayload{
		UserID:    client.actor.ID,
		UserRole:  client.actor.Role,
		UserName:  client.actor.Name,
		RoomID:    payload.RoomID,
		IsTyping:  typing,
		Timestamp: time.Now().UTC(),
	}}, client.actor.ID)
}

func (g *RealtimeGateway) handleMessageRead(client *gatewayClient, data json.RawMessage) {
	var payload dto.ReadPayload
	if !g.decode(client, data, &payload) {
		return
	}

	// ChatService emits the read receipt to the room, excluding the reader.
	_, err := g.chat.MarkRead(client.baseCtx, client.actor, dto.ChatMarkReadRequest{
		RoomID:    payload.RoomID,
		MessageID: payload.MessageID,
	})
	if err != nil {
		client.sendError(userMessage(err, "failed to mark message read"))
	}
}

func (g *RealtimeGateway) decode(client *gatewayClient, data json.RawMessage, out interface{}) bool {
	if len(data) == 0 {
		client.sendError("payload is required")
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		client.sendError("malformed payload")
		return false
	}
	if err := g.validator.Struct(out); err != nil {
		client.sendError(userMessage(fmt.Errorf("%w: %v", ErrValidation, err), "invalid payload"))
		return false
	}
	return true
}

// userMessage maps the service error taxonomy onto client-safe text. Internal
// store faults are not echoed verbatim.
func userMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrAccessDenied):
		return "access denied"
	case errors.Is(err, ErrStoreUnavailable):
		return "service temporarily unavailable"
	default:
		return fallback
	}
}
