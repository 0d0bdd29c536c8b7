package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/careline/careline-go-api/internal/dto"
	"github.com/careline/careline-go-api/internal/models"
	"github.com/careline/careline-go-api/internal/observability"
	"github.com/careline/careline-go-api/internal/repository"
)

const (
	chatRedisTTL           = 30 * time.Minute
	defaultWriteSlots      = 16
	defaultSearchLimit     = 20
	deliveredEventConsumer = "careline-chat"
)

// Actor is a verified caller identity. REST handlers build it from JWT claims;
// the realtime gateway builds it from the connect handshake and owns it for
// the lifetime of the connection.
type Actor struct {
	ID   string
	Role string
	Name string
}

// ChatService implements every user-facing chat operation with one consistent
// authorization and side-effect policy: verify the caller against the room
// participant set, check the care connection where required, perform the store
// operation, then emit the realtime event to whoever is online.
type ChatService interface {
	StartChat(ctx context.Context, actor Actor, req dto.ChatStartRequest) (dto.ChatRoomResponse, error)
	ListRooms(ctx context.Context, actor Actor) (dto.ChatRoomListResponse, error)
	SendMessage(ctx context.Context, actor Actor, req dto.ChatSendRequest) (dto.ChatMessageResponse, error)
	History(ctx context.Context, actor Actor, query dto.ChatHistoryQuery) (dto.ChatHistoryResponse, error)
	MarkRead(ctx context.Context, actor Actor, req dto.ChatMarkReadRequest) (dto.ReadReceiptPayload, error)
	UnreadCount(ctx context.Context, actor Actor) (dto.UnreadCountResponse, error)
	Search(ctx context.Context, actor Actor, req dto.ChatSearchRequest) (dto.ChatSearchResponse, error)
	EditMessage(ctx context.Context, actor Actor, req dto.ChatEditRequest) (dto.ChatMessageResponse, error)
	DeleteMessage(ctx context.Context, actor Actor, req dto.ChatDeleteRequest) (dto.ChatMessageResponse, error)
	RoomForActor(ctx context.Context, actor Actor, roomID string) (models.ChatRoom, error)
	CachedLastMessage(ctx context.Context, roomID string) *dto.ChatMessageResponse
	Start(ctx context.Context)
}

type chatService struct {
	messages    repository.ChatMessageRepository
	rooms       repository.ChatRoomRepository
	connections repository.ConnectionRepository
	directory   repository.DirectoryRepository
	presence    *PresenceRegistry
	redis       *redis.Client
	redisStream string
	redisCache  string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	nodeID      string
	writeSlots  chan struct{}
}

type chatEvent struct {
	Source  string                  `json:"source"`
	RoomID  string                  `json:"room_id"`
	Message dto.ChatMessageResponse `json:"message"`
	SentAt  time.Time               `json:"sent_at"`
}

// ChatServiceDeps groups the collaborators of the chat service.
type ChatServiceDeps struct {
	Messages    repository.ChatMessageRepository
	Rooms       repository.ChatRoomRepository
	Connections repository.ConnectionRepository
	Directory   repository.DirectoryRepository
	Presence    *PresenceRegistry
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
	Validator   *validator.Validate
	WriteSlots  int
}

// NewChatService creates the chat orchestration service.
func NewChatService(deps ChatServiceDeps, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	streamChannel := ""
	cachePrefix := ""
	natsSubject := ""
	if deps.ChannelBase != "" {
		streamChannel = deps.ChannelBase + ":chat"
		cachePrefix = deps.ChannelBase + ":chat:last"
		natsSubject = strings.ReplaceAll(deps.ChannelBase, ":", ".") + ".chat"
	}

	slots := deps.WriteSlots
	if slots <= 0 {
		slots = defaultWriteSlots
	}

	return &chatService{
		messages:    deps.Messages,
		rooms:       deps.Rooms,
		connections: deps.Connections,
		directory:   deps.Directory,
		presence:    deps.Presence,
		redis:       deps.Redis,
		redisStream: streamChannel,
		redisCache:  cachePrefix,
		nats:        deps.NATS,
		natsSubject: natsSubject,
		validator:   deps.Validator,
		sanitizer:   sanitizer,
		logger:      logger.With().Str("component", "chat_service").Logger(),
		tracer:      otel.Tracer("github.com/careline/careline-go-api/internal/service/chat"),
		nodeID:      uuid.NewString(),
		writeSlots:  make(chan struct{}, slots),
	}
}

// Start launches the cross-node event consumers. Messages persisted on other
// nodes are re-broadcast to this node's room subscribers.
func (s *chatService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *chatService) StartChat(ctx context.Context, actor Actor, req dto.ChatStartRequest) (dto.ChatRoomResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatRoomResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if actor.ID != req.DoctorID && actor.ID != req.PatientID {
		return dto.ChatRoomResponse{}, fmt.Errorf("%w: caller is not a participant", ErrAccessDenied)
	}

	for _, check := range []struct{ id, role string }{
		{req.DoctorID, models.RoleDoctor},
		{req.PatientID, models.RolePatient},
	} {
		exists, err := s.directory.UserExists(ctx, check.id, check.role)
		if err != nil {
			return dto.ChatRoomResponse{}, s.storeErr(err)
		}
		if !exists {
			return dto.ChatRoomResponse{}, fmt.Errorf("%w: %s not found", ErrNotFound, check.role)
		}
	}

	active, err := s.connections.HasActiveConnection(ctx, req.DoctorID, req.PatientID)
	if err != nil {
		return dto.ChatRoomResponse{}, s.storeErr(err)
	}
	if !active {
		return dto.ChatRoomResponse{}, fmt.Errorf("%w: no active connection between doctor and patient", ErrAccessDenied)
	}

	room, created, err := s.rooms.GetOrCreate(ctx, req.DoctorID, req.PatientID)
	if err != nil {
		return dto.ChatRoomResponse{}, s.storeErr(err)
	}
	if created {
		s.logger.Info().Str("room_id", room.RoomID).Str("doctor_id", room.DoctorID).Str("patient_id", room.PatientID).Msg("chat room created")
	}

	response := dto.NewChatRoomResponse(room)
	response.Counterpart = s.counterpartInfo(ctx, room, actor.ID)
	return response, nil
}

func (s *chatService) ListRooms(ctx context.Context, actor Actor) (dto.ChatRoomListResponse, error) {
	if !models.ValidRole(actor.Role) {
		return dto.ChatRoomListResponse{}, fmt.Errorf("%w: invalid role", ErrValidation)
	}

	rooms, err := s.rooms.ListForUser(ctx, actor.ID, actor.Role)
	if err != nil {
		return dto.ChatRoomListResponse{}, s.storeErr(err)
	}

	out := make([]dto.ChatRoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response := dto.NewChatRoomResponse(room)
		response.Counterpart = s.counterpartInfo(ctx, room, actor.ID)
		out = append(out, response)
	}

	return dto.ChatRoomListResponse{Rooms: out, TotalRooms: len(out)}, nil
}

func (s *chatService) SendMessage(ctx context.Context, actor Actor, req dto.ChatSendRequest) (dto.ChatMessageResponse, error) {
	req.RoomID = strings.TrimSpace(req.RoomID)
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	room, err := s.RoomForActor(ctx, actor, req.RoomID)
	if err != nil {
		return dto.ChatMessageResponse{}, err
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if clean == "" && req.Attachment == nil {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	messageType := req.Type
	if messageType == "" {
		messageType = "text"
	}
	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}
	if !models.ValidMessageType(messageType) || !models.ValidPriority(priority) {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: invalid message type or priority", ErrValidation)
	}

	if req.ReplyToMessageID != nil && *req.ReplyToMessageID != "" {
		parent, parentErr := s.messages.GetByMessageID(ctx, *req.ReplyToMessageID)
		if parentErr != nil {
			if errors.Is(parentErr, gorm.ErrRecordNotFound) {
				return dto.ChatMessageResponse{}, fmt.Errorf("%w: reply target does not exist", ErrValidation)
			}
			return dto.ChatMessageResponse{}, s.storeErr(parentErr)
		}
		if parent.RoomID != room.RoomID {
			return dto.ChatMessageResponse{}, fmt.Errorf("%w: reply target belongs to another room", ErrValidation)
		}
	}

	receiverID, receiverRole := room.Counterpart(actor.ID)

	ctx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.room_id", room.RoomID),
		attribute.String("chat.sender_id", actor.ID),
		attribute.String("chat.type", messageType),
	))
	defer span.End()

	message := models.ChatMessage{
		MessageID:        models.NewMessageID(),
		RoomID:           room.RoomID,
		SenderID:         actor.ID,
		SenderRole:       actor.Role,
		ReceiverID:       receiverID,
		ReceiverRole:     receiverRole,
		Type:             messageType,
		Content:          clean,
		Priority:         priority,
		IsUrgent:         req.IsUrgent || priority == "urgent",
		ReplyToMessageID: req.ReplyToMessageID,
	}
	if req.Attachment != nil {
		message.Attachments = append(message.Attachments, models.MessageAttachment{
			FileName:     req.Attachment.FileName,
			FileType:     req.Attachment.FileType,
			FileURL:      req.Attachment.FileURL,
			FileSize:     req.Attachment.FileSize,
			MimeType:     req.Attachment.MimeType,
			ThumbnailURL: req.Attachment.ThumbnailURL,
			Duration:     req.Attachment.Duration,
			UploadedAt:   time.Now().UTC(),
		})
	}

	if err := s.appendBounded(ctx, &message); err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, s.storeErr(err)
	}

	response := dto.NewChatMessageResponse(message)
	observability.ChatMessagesSent().WithLabelValues(messageType).Inc()

	s.cacheLastMessage(ctx, response)
	s.presence.EmitToRoom(room.RoomID, dto.OutboundEvent{Event: dto.EventNewMessage, Data: response}, "")
	if err := s.publish(ctx, response); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish chat event")
	}

	return response, nil
}

// appendBounded serializes store writes through a counting semaphore so a
// burst of connections cannot overwhelm the database pool.
func (s *chatService) appendBounded(ctx context.Context, message *models.ChatMessage) error {
	select {
	case s.writeSlots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeSlots }()

	start := time.Now()
	err := s.messages.Append(ctx, message)
	observability.ChatStoreWrite().Observe(time.Since(start).Seconds())
	return err
}

func (s *chatService) History(ctx context.Context, actor Actor, query dto.ChatHistoryQuery) (dto.ChatHistoryResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.ChatHistoryResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := s.RoomForActor(ctx, actor, query.RoomID); err != nil {
		return dto.ChatHistoryResponse{}, err
	}

	page := query.Page
	if page <= 0 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	messages, err := s.messages.ListByRoom(ctx, query.RoomID, page, limit)
	if err != nil {
		return dto.ChatHistoryResponse{}, s.storeErr(err)
	}

	return dto.ChatHistoryResponse{
		Messages: dto.NewChatMessageResponseSlice(messages),
		Page:     page,
		Limit:    limit,
		HasMore:  len(messages) == limit,
	}, nil
}

func (s *chatService) MarkRead(ctx context.Context, actor Actor, req dto.ChatMarkReadRequest) (dto.ReadReceiptPayload, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ReadReceiptPayload{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := s.RoomForActor(ctx, actor, req.RoomID); err != nil {
		return dto.ReadReceiptPayload{}, err
	}

	now := time.Now().UTC()
	if req.MessageID != "" {
		message, err := s.messages.GetByMessageID(ctx, req.MessageID)
		if err != nil {
			return dto.ReadReceiptPayload{}, s.storeErr(err)
		}
		if message.RoomID != req.RoomID {
			return dto.ReadReceiptPayload{}, fmt.Errorf("%w: message does not belong to this room", ErrValidation)
		}
		if message.ReceiverID != actor.ID {
			return dto.ReadReceiptPayload{}, fmt.Errorf("%w: only the receiver may mark a message read", ErrAccessDenied)
		}
		if _, err := s.messages.MarkMessageRead(ctx, req.MessageID, actor.ID); err != nil {
			return dto.ReadReceiptPayload{}, s.storeErr(err)
		}
	} else {
		if _, err := s.messages.MarkRoomRead(ctx, req.RoomID, actor.ID, actor.Role); err != nil {
			return dto.ReadReceiptPayload{}, s.storeErr(err)
		}
	}

	receipt := dto.ReadReceiptPayload{
		MessageID: req.MessageID,
		RoomID:    req.RoomID,
		ReadBy:    actor.ID,
		ReadAt:    now,
	}

	s.presence.EmitToRoom(req.RoomID, dto.OutboundEvent{Event: dto.EventReadReceipt, Data: receipt}, actor.ID)
	return receipt, nil
}

func (s *chatService) UnreadCount(ctx context.Context, actor Actor) (dto.UnreadCountResponse, error) {
	count, err := s.messages.UnreadCount(ctx, actor.ID, actor.Role)
	if err != nil {
		return dto.UnreadCountResponse{}, s.storeErr(err)
	}
	return dto.UnreadCountResponse{UnreadCount: count}, nil
}

func (s *chatService) Search(ctx context.Context, actor Actor, req dto.ChatSearchRequest) (dto.ChatSearchResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatSearchResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	messages, err := s.messages.Search(ctx, actor.ID, actor.Role, req.Query, limit)
	if err != nil {
		return dto.ChatSearchResponse{}, s.storeErr(err)
	}

	return dto.ChatSearchResponse{
		Messages:     dto.NewChatMessageResponseSlice(messages),
		TotalResults: len(messages),
		Query:        req.Query,
	}, nil
}

func (s *chatService) EditMessage(ctx context.Context, actor Actor, req dto.ChatEditRequest) (dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	message, err := s.messages.GetByMessageID(ctx, req.MessageID)
	if err != nil {
		return dto.ChatMessageResponse{}, s.storeErr(err)
	}
	if message.SenderID != actor.ID {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: only the sender may edit a message", ErrAccessDenied)
	}
	if message.IsDeleted {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: message was deleted", ErrValidation)
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if clean == "" {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	updated, err := s.messages.Edit(ctx, req.MessageID, clean)
	if err != nil {
		return dto.ChatMessageResponse{}, s.storeErr(err)
	}
	return dto.NewChatMessageResponse(updated), nil
}

func (s *chatService) DeleteMessage(ctx context.Context, actor Actor, req dto.ChatDeleteRequest) (dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	message, err := s.messages.GetByMessageID(ctx, req.MessageID)
	if err != nil {
		return dto.ChatMessageResponse{}, s.storeErr(err)
	}
	if message.SenderID != actor.ID {
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: only the sender may delete a message", ErrAccessDenied)
	}

	deleted, err := s.messages.SoftDelete(ctx, req.MessageID)
	if err != nil {
		return dto.ChatMessageResponse{}, s.storeErr(err)
	}
	return dto.NewChatMessageResponse(deleted), nil
}

// RoomForActor loads a room and verifies the actor is one of its two
// participants with the role they authenticated as.
func (s *chatService) RoomForActor(ctx context.Context, actor Actor, roomID string) (models.ChatRoom, error) {
	room, err := s.rooms.GetByRoomID(ctx, roomID)
	if err != nil {
		return models.ChatRoom{}, s.storeErr(err)
	}
	if room.ParticipantRole(actor.ID) != actor.Role {
		return models.ChatRoom{}, fmt.Errorf("%w: caller is not a participant of this room", ErrAccessDenied)
	}
	return room, nil
}

func (s *chatService) counterpartInfo(ctx context.Context, room models.ChatRoom, viewerID string) *dto.ParticipantInfo {
	otherID, otherRole := room.Counterpart(viewerID)
	info := dto.ParticipantInfo{
		UserID:   otherID,
		Role:     otherRole,
		IsOnline: s.presence.IsOnline(otherID),
	}

	switch otherRole {
	case models.RoleDoctor:
		doctor, err := s.directory.GetDoctor(ctx, otherID)
		if err != nil {
			info.Name = "Unknown Doctor"
			break
		}
		info.Name = doctor.Name
		info.Specialization = doctor.Specialization
		info.Hospital = doctor.Hospital
	case models.RolePatient:
		patient, err := s.directory.GetPatient(ctx, otherID)
		if err != nil {
			info.Name = "Unknown Patient"
			break
		}
		info.Name = patient.Name
	}

	return &info
}

func (s *chatService) storeErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (s *chatService) cacheLastMessage(ctx context.Context, message dto.ChatMessageResponse) {
	if s.redis == nil || s.redisCache == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	key := fmt.Sprintf("%s:%s", s.redisCache, message.RoomID)
	if err := s.redis.Set(ctx, key, payload, chatRedisTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

// CachedLastMessage returns the most recent message cached for a room, or nil.
// Used to replay context to a client right after it joins a room.
func (s *chatService) CachedLastMessage(ctx context.Context, roomID string) *dto.ChatMessageResponse {
	if s.redis == nil || s.redisCache == "" {
		return nil
	}

	key := fmt.Sprintf("%s:%s", s.redisCache, roomID)
	result, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return nil
	}

	var message dto.ChatMessageResponse
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}
	return &message
}

func (s *chatService) publish(ctx context.Context, message dto.ChatMessageResponse) error {
	event := chatEvent{
		Source:  s.nodeID,
		RoomID:  message.RoomID,
		Message: message,
		SentAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *chatService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *chatService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, deliveredEventConsumer, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (s *chatService) handleEvent(data []byte) {
	var event chatEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid chat event")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.presence.EmitToRoom(event.RoomID, dto.OutboundEvent{Event: dto.EventNewMessage, Data: event.Message}, "")
}
