package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/careline/careline-go-api/internal/dto"
	"github.com/careline/careline-go-api/internal/handler"
	"github.com/careline/careline-go-api/internal/models"
	"github.com/careline/careline-go-api/internal/service"
)

type mockChatService struct {
	lastActor   service.Actor
	lastSend    dto.ChatSendRequest
	lastQuery   dto.ChatHistoryQuery
	sendResp    dto.ChatMessageResponse
	historyResp dto.ChatHistoryResponse
	roomsResp   dto.ChatRoomListResponse
	receipt     dto.ReadReceiptPayload
	err         error
}

func (m *mockChatService) StartChat(_ context.Context, actor service.Actor, req dto.ChatStartRequest) (dto.ChatRoomResponse, error) {
	m.lastActor = actor
	if m.err != nil {
		return dto.ChatRoomResponse{}, m.err
	}
	return dto.ChatRoomResponse{RoomID: "RM1", DoctorID: req.DoctorID, PatientID: req.PatientID}, nil
}

func (m *mockChatService) ListRooms(_ context.Context, actor service.Actor) (dto.ChatRoomListResponse, error) {
	m.lastActor = actor
	return m.roomsResp, m.err
}

func (m *mockChatService) SendMessage(_ context.Context, actor service.Actor, req dto.ChatSendRequest) (dto.ChatMessageResponse, error) {
	m.lastActor = actor
	m.lastSend = req
	if m.err != nil {
		return dto.ChatMessageResponse{}, m.err
	}
	return m.sendResp, nil
}

func (m *mockChatService) History(_ context.Context, actor service.Actor, query dto.ChatHistoryQuery) (dto.ChatHistoryResponse, error) {
	m.lastActor = actor
	m.lastQuery = query
	return m.historyResp, m.err
}

func (m *mockChatService) MarkRead(_ context.Context, actor service.Actor, req dto.ChatMarkReadRequest) (dto.ReadReceiptPayload, error) {
	m.lastActor = actor
	return m.receipt, m.err
}

func (m *mockChatService) UnreadCount(_ context.Context, actor service.Actor) (dto.UnreadCountResponse, error) {
	m.lastActor = actor
	return dto.UnreadCountResponse{UnreadCount: 3}, m.err
}

func (m *mockChatService) Search(_ context.Context, actor service.Actor, req dto.ChatSearchRequest) (dto.ChatSearchResponse, error) {
	m.lastActor = actor
	return dto.ChatSearchResponse{Query: req.Query}, m.err
}

func (m *mockChatService) EditMessage(_ context.Context, actor service.Actor, req dto.ChatEditRequest) (dto.ChatMessageResponse, error) {
	m.lastActor = actor
	return dto.ChatMessageResponse{MessageID: req.MessageID, Content: req.Content, IsEdited: true}, m.err
}

func (m *mockChatService) DeleteMessage(_ context.Context, actor service.Actor, req dto.ChatDeleteRequest) (dto.ChatMessageResponse, error) {
	m.lastActor = actor
	return dto.ChatMessageResponse{MessageID: req.MessageID, IsDeleted: true}, m.err
}

func (m *mockChatService) RoomForActor(_ context.Context, actor service.Actor, roomID string) (models.ChatRoom, error) {
	return models.ChatRoom{RoomID: roomID}, m.err
}

func (m *mockChatService) CachedLastMessage(context.Context, string) *dto.ChatMessageResponse {
	return nil
}

func (m *mockChatService) Start(context.Context) {}

func chatTestApp(svc service.ChatService, authenticated bool) *fiber.App {
	app := fiber.New()
	group := app.Group("/api/v1/chat")

	auth := func(c *fiber.Ctx) error {
		if authenticated {
			c.Locals("user_id", "PAT1")
			c.Locals("user_role", "patient")
			c.Locals("user_name", "Pat Example")
		}
		return c.Next()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)
	handler.NewChatHandler(svc, nil, validate, logger).Register(group, auth)
	return app
}

func TestChatHandlerSendMessage(t *testing.T) {
	svc := &mockChatService{sendResp: dto.ChatMessageResponse{MessageID: "MSG1", RoomID: "RM1", Content: "hello"}}
	app := chatTestApp(svc, true)

	payload := dto.ChatSendRequest{RoomID: "RM1", Content: "hello"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/send", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var response struct {
		Success bool                    `json:"success"`
		Data    dto.ChatMessageResponse `json:"data"`
		Message string                  `json:"message"`
	}
	decodeResponse(t, resp, &response)

	require.True(t, response.Success)
	require.Equal(t, "MSG1", response.Data.MessageID)
	require.Equal(t, "PAT1", svc.lastActor.ID)
	require.Equal(t, "patient", svc.lastActor.Role)
	require.Equal(t, "RM1", svc.lastSend.RoomID)
}

func TestChatHandlerRequiresAuthentication(t *testing.T) {
	svc := &mockChatService{}
	app := chatTestApp(svc, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/rooms", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestChatHandlerHistoryQueryParsing(t *testing.T) {
	svc := &mockChatService{historyResp: dto.ChatHistoryResponse{Page: 2, Limit: 10}}
	app := chatTestApp(svc, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages?room_id=RM1&page=2&limit=10", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "RM1", svc.lastQuery.RoomID)
	require.Equal(t, 2, svc.lastQuery.Page)
	require.Equal(t, 10, svc.lastQuery.Limit)
}

func TestChatHandlerHistoryValidatesRoomID(t *testing.T) {
	svc := &mockChatService{}
	app := chatTestApp(svc, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"access denied", service.ErrAccessDenied, fiber.StatusForbidden},
		{"not found", service.ErrNotFound, fiber.StatusNotFound},
		{"store unavailable", service.ErrStoreUnavailable, fiber.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockChatService{err: tc.err}
			app := chatTestApp(svc, true)

			body, err := json.Marshal(dto.ChatSendRequest{RoomID: "RM1", Content: "hello"})
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/send", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			var response struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
			}
			decodeResponse(t, resp, &response)
			require.False(t, response.Success)
			require.NotEmpty(t, response.Message)
		})
	}
}

func TestChatHandlerEditAndDeleteRoutes(t *testing.T) {
	svc := &mockChatService{}
	app := chatTestApp(svc, true)

	body, err := json.Marshal(dto.ChatEditRequest{MessageID: "MSG1", Content: "fixed"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/chat/edit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var edited struct {
		Success bool                    `json:"success"`
		Data    dto.ChatMessageResponse `json:"data"`
	}
	decodeResponse(t, resp, &edited)
	require.True(t, edited.Success)
	require.True(t, edited.Data.IsEdited)

	body, err = json.Marshal(dto.ChatDeleteRequest{MessageID: "MSG1"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/chat/delete", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var deleted struct {
		Success bool                    `json:"success"`
		Data    dto.ChatMessageResponse `json:"data"`
	}
	decodeResponse(t, resp, &deleted)
	require.True(t, deleted.Success)
	require.True(t, deleted.Data.IsDeleted)
}

func TestChatHandlerUnreadCount(t *testing.T) {
	svc := &mockChatService{}
	app := chatTestApp(svc, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/unread-count", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var response struct {
		Success bool                    `json:"success"`
		Data    dto.UnreadCountResponse `json:"data"`
	}
	decodeResponse(t, resp, &response)
	require.True(t, response.Success)
	require.Equal(t, int64(3), response.Data.UnreadCount)
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}
