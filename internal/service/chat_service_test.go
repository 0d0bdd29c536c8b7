package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/careline/careline-go-api/internal/dto"
	"github.com/careline/careline-go-api/internal/models"
	"github.com/careline/careline-go-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type captureSink struct {
	mu     sync.Mutex
	events []dto.OutboundEvent
}

func (c *captureSink) Send(event dto.OutboundEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return true
}

func (c *captureSink) byEvent(name string) []dto.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []dto.OutboundEvent
	for _, event := range c.events {
		if event.Event == name {
			out = append(out, event)
		}
	}
	return out
}

type chatTestEnv struct {
	db       *gorm.DB
	service  ChatService
	presence *PresenceRegistry
	redis    *redis.Client
}

func newChatTestEnv(t *testing.T) *chatTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.ChatRoom{},
		&models.ChatMessage{},
		&models.CareConnection{},
		&models.Patient{},
		&models.Doctor{},
	))

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	presence := NewPresenceRegistry(testLogger())
	svc := NewChatService(ChatServiceDeps{
		Messages:    repository.NewChatMessageRepository(db),
		Rooms:       repository.NewChatRoomRepository(db),
		Connections: repository.NewConnectionRepository(db),
		Directory:   repository.NewDirectoryRepository(db),
		Presence:    presence,
		Redis:       redisClient,
		ChannelBase: "careline",
		Validator:   validator.New(validator.WithRequiredStructEnabled()),
	}, testLogger())

	return &chatTestEnv{db: db, service: svc, presence: presence, redis: redisClient}
}

func (env *chatTestEnv) seedUsers(t *testing.T) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.Patient{PatientID: "PAT1", Name: "Pat Example"}).Error)
	require.NoError(t, env.db.Create(&models.Doctor{DoctorID: "DOC1", Name: "Dr. Example", Specialization: "Cardiology", Hospital: "General"}).Error)
}

func (env *chatTestEnv) seedConnection(t *testing.T, status string) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.CareConnection{DoctorID: "DOC1", PatientID: "PAT1", Status: status}).Error)
}

func (env *chatTestEnv) seedRoom(t *testing.T) models.ChatRoom {
	t.Helper()
	env.seedUsers(t)
	env.seedConnection(t, models.ConnectionActive)
	room, err := env.service.StartChat(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatStartRequest{
		DoctorID:  "DOC1",
		PatientID: "PAT1",
	})
	require.NoError(t, err)

	var stored models.ChatRoom
	require.NoError(t, env.db.Where("room_id = ?", room.RoomID).First(&stored).Error)
	return stored
}

func TestStartChatRequiresActiveConnection(t *testing.T) {
	env := newChatTestEnv(t)
	env.seedUsers(t)
	env.seedConnection(t, models.ConnectionPending)

	_, err := env.service.StartChat(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatStartRequest{
		DoctorID:  "DOC1",
		PatientID: "PAT1",
	})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestStartChatIdempotent(t *testing.T) {
	env := newChatTestEnv(t)
	env.seedUsers(t)
	env.seedConnection(t, models.ConnectionActive)

	actor := Actor{ID: "DOC1", Role: models.RoleDoctor}
	req := dto.ChatStartRequest{DoctorID: "DOC1", PatientID: "PAT1"}

	first, err := env.service.StartChat(context.Background(), actor, req)
	require.NoError(t, err)
	require.NotEmpty(t, first.RoomID)
	require.NotNil(t, first.Counterpart)
	require.Equal(t, "Pat Example", first.Counterpart.Name)

	second, err := env.service.StartChat(context.Background(), actor, req)
	require.NoError(t, err)
	require.Equal(t, first.RoomID, second.RoomID)
}

func TestStartChatRejectsNonParticipant(t *testing.T) {
	env := newChatTestEnv(t)
	env.seedUsers(t)
	env.seedConnection(t, models.ConnectionActive)

	_, err := env.service.StartChat(context.Background(), Actor{ID: "PAT2", Role: models.RolePatient}, dto.ChatStartRequest{
		DoctorID:  "DOC1",
		PatientID: "PAT1",
	})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestStartChatUnknownUser(t *testing.T) {
	env := newChatTestEnv(t)
	require.NoError(t, env.db.Create(&models.Patient{PatientID: "PAT1", Name: "Pat Example"}).Error)

	_, err := env.service.StartChat(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatStartRequest{
		DoctorID:  "DOC404",
		PatientID: "PAT1",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessagePersistsAndBroadcasts(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	patientSink := &captureSink{}
	doctorSink := &captureSink{}
	env.presence.Register("PAT1", models.RolePatient, "Pat Example", patientSink)
	env.presence.Register("DOC1", models.RoleDoctor, "Dr. Example", doctorSink)
	env.presence.JoinRoom("PAT1", room.RoomID)
	env.presence.JoinRoom("DOC1", room.RoomID)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "my readings are attached",
	})
	require.NoError(t, err)
	require.Equal(t, "text", message.Type)
	require.Equal(t, "normal", message.Priority)
	require.Equal(t, "DOC1", message.ReceiverID)

	// Both participants receive the broadcast; the sender's copy is the ack.
	require.Len(t, doctorSink.byEvent(dto.EventNewMessage), 1)
	require.Len(t, patientSink.byEvent(dto.EventNewMessage), 1)

	var stored models.ChatRoom
	require.NoError(t, env.db.Where("room_id = ?", room.RoomID).First(&stored).Error)
	require.Equal(t, 1, stored.UnreadCountDoctor)
	require.Equal(t, "my readings are attached", stored.LastMessage)

	cached := env.service.CachedLastMessage(context.Background(), room.RoomID)
	require.NotNil(t, cached)
	require.Equal(t, message.MessageID, cached.MessageID)
}

func TestSendMessageSanitizesContent(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: `<script>alert("x")</script>hello doctor`,
	})
	require.NoError(t, err)
	require.NotContains(t, message.Content, "<script>")
	require.Contains(t, message.Content, "hello doctor")
}

func TestSendMessageRejectsOutsider(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	_, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT2", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "let me in",
	})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestSendMessageRequiresContentOrAttachment(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	_, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "   ",
	})
	require.ErrorIs(t, err, ErrValidation)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID: room.RoomID,
		Type:   "image",
		Attachment: &dto.AttachmentPayload{
			FileName: "scan.png",
			FileType: "image",
			FileURL:  "https://cdn.example.com/scan.png",
			FileSize: 2048,
		},
	})
	require.NoError(t, err)
	require.Len(t, message.Attachments, 1)
	require.Equal(t, "scan.png", message.Attachments[0].FileName)
}

func TestSendMessageUrgentPriority(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:   room.RoomID,
		Content:  "chest pain",
		Priority: "urgent",
	})
	require.NoError(t, err)
	require.True(t, message.IsUrgent, "urgent priority implies the urgent flag")
}

func TestSendMessageReplyMustShareRoom(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	other := models.ChatRoom{RoomID: models.NewRoomID(), DoctorID: "DOC9", PatientID: "PAT9", IsActive: true}
	require.NoError(t, env.db.Create(&other).Error)
	foreign := models.ChatMessage{
		MessageID:    models.NewMessageID(),
		RoomID:       other.RoomID,
		SenderID:     "PAT9",
		SenderRole:   models.RolePatient,
		ReceiverID:   "DOC9",
		ReceiverRole: models.RoleDoctor,
		Type:         "text",
		Content:      "elsewhere",
		Priority:     "normal",
	}
	require.NoError(t, env.db.Create(&foreign).Error)

	_, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:           room.RoomID,
		Content:          "replying",
		ReplyToMessageID: &foreign.MessageID,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMarkReadSingleMessageReceiverOnly(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "please confirm",
	})
	require.NoError(t, err)

	// The sender cannot acknowledge its own message.
	_, err = env.service.MarkRead(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatMarkReadRequest{
		RoomID:    room.RoomID,
		MessageID: message.MessageID,
	})
	require.ErrorIs(t, err, ErrAccessDenied)

	patientSink := &captureSink{}
	env.presence.Register("PAT1", models.RolePatient, "Pat Example", patientSink)
	env.presence.JoinRoom("PAT1", room.RoomID)

	receipt, err := env.service.MarkRead(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor}, dto.ChatMarkReadRequest{
		RoomID:    room.RoomID,
		MessageID: message.MessageID,
	})
	require.NoError(t, err)
	require.Equal(t, "DOC1", receipt.ReadBy)
	require.Len(t, patientSink.byEvent(dto.EventReadReceipt), 1)

	// The per-message receipt leaves the room counter untouched.
	var stored models.ChatRoom
	require.NoError(t, env.db.Where("room_id = ?", room.RoomID).First(&stored).Error)
	require.Equal(t, 1, stored.UnreadCountDoctor)
}

func TestMarkReadMessageMustBelongToRoom(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "please confirm",
	})
	require.NoError(t, err)

	// The doctor also participates in an unrelated room.
	other := models.ChatRoom{RoomID: models.NewRoomID(), DoctorID: "DOC1", PatientID: "PAT2", IsActive: true}
	require.NoError(t, env.db.Create(&other).Error)

	otherSink := &captureSink{}
	env.presence.Register("PAT2", models.RolePatient, "Other Patient", otherSink)
	env.presence.JoinRoom("PAT2", other.RoomID)

	_, err = env.service.MarkRead(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor}, dto.ChatMarkReadRequest{
		RoomID:    other.RoomID,
		MessageID: message.MessageID,
	})
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, otherSink.byEvent(dto.EventReadReceipt), "no receipt may reach the unrelated room")
}

func TestMarkRoomReadResetsCounter(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	for i := 0; i < 2; i++ {
		_, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
			RoomID:  room.RoomID,
			Content: fmt.Sprintf("update %d", i),
		})
		require.NoError(t, err)
	}

	_, err := env.service.MarkRead(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor}, dto.ChatMarkReadRequest{
		RoomID: room.RoomID,
	})
	require.NoError(t, err)

	var stored models.ChatRoom
	require.NoError(t, env.db.Where("room_id = ?", room.RoomID).First(&stored).Error)
	require.Zero(t, stored.UnreadCountDoctor)

	count, err := env.service.UnreadCount(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor})
	require.NoError(t, err)
	require.Zero(t, count.UnreadCount)
}

func TestEditMessageSenderOnly(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "typo hear",
	})
	require.NoError(t, err)

	_, err = env.service.EditMessage(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor}, dto.ChatEditRequest{
		MessageID: message.MessageID,
		Content:   "hijacked",
	})
	require.ErrorIs(t, err, ErrAccessDenied)

	edited, err := env.service.EditMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatEditRequest{
		MessageID: message.MessageID,
		Content:   "typo here",
	})
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.Equal(t, "typo here", edited.Content)
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	message, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "wrong chat",
	})
	require.NoError(t, err)

	_, err = env.service.DeleteMessage(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor}, dto.ChatDeleteRequest{
		MessageID: message.MessageID,
	})
	require.ErrorIs(t, err, ErrAccessDenied)

	deleted, err := env.service.DeleteMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatDeleteRequest{
		MessageID: message.MessageID,
	})
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)
	require.Equal(t, models.DeletedContentMarker, deleted.Content)

	// A deleted message can no longer be edited.
	_, err = env.service.EditMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatEditRequest{
		MessageID: message.MessageID,
		Content:   "bring it back",
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestHistoryRequiresMembership(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	for i := 0; i < 3; i++ {
		_, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
			RoomID:  room.RoomID,
			Content: fmt.Sprintf("entry %d", i),
		})
		require.NoError(t, err)
	}

	_, err := env.service.History(context.Background(), Actor{ID: "PAT2", Role: models.RolePatient}, dto.ChatHistoryQuery{RoomID: room.RoomID})
	require.ErrorIs(t, err, ErrAccessDenied)

	history, err := env.service.History(context.Background(), Actor{ID: "DOC1", Role: models.RoleDoctor}, dto.ChatHistoryQuery{
		RoomID: room.RoomID,
		Page:   1,
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)
	require.True(t, history.HasMore)
	require.Equal(t, "entry 1", history.Messages[0].Content)
	require.Equal(t, "entry 2", history.Messages[1].Content)
}

func TestListRoomsEnrichment(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	env.presence.Register("DOC1", models.RoleDoctor, "Dr. Example", &captureSink{})

	rooms, err := env.service.ListRooms(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient})
	require.NoError(t, err)
	require.Equal(t, 1, rooms.TotalRooms)
	require.Equal(t, room.RoomID, rooms.Rooms[0].RoomID)
	require.NotNil(t, rooms.Rooms[0].Counterpart)
	require.Equal(t, "Dr. Example", rooms.Rooms[0].Counterpart.Name)
	require.Equal(t, "Cardiology", rooms.Rooms[0].Counterpart.Specialization)
	require.True(t, rooms.Rooms[0].Counterpart.IsOnline)
}

func TestSearchScopedToActor(t *testing.T) {
	env := newChatTestEnv(t)
	room := env.seedRoom(t)

	_, err := env.service.SendMessage(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSendRequest{
		RoomID:  room.RoomID,
		Content: "blood pressure is stable",
	})
	require.NoError(t, err)

	results, err := env.service.Search(context.Background(), Actor{ID: "PAT1", Role: models.RolePatient}, dto.ChatSearchRequest{Query: "PRESSURE"})
	require.NoError(t, err)
	require.Equal(t, 1, results.TotalResults)

	foreign, err := env.service.Search(context.Background(), Actor{ID: "PAT2", Role: models.RolePatient}, dto.ChatSearchRequest{Query: "pressure"})
	require.NoError(t, err)
	require.Zero(t, foreign.TotalResults)
}
