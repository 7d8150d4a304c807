package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"family-assistant/internal/domain"
	"family-assistant/internal/repository"
	"family-assistant/internal/repository/dynamotest"
	"family-assistant/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testModel = "test-model"

type scriptedProvider struct {
	mu      sync.Mutex
	events  []domain.StreamEvent
	err     error
	lastReq domain.CompletionRequest
}

func (p *scriptedProvider) StreamCompletion(_ context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan domain.StreamEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) reply(parts ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = nil
	p.events = nil
	for _, s := range parts {
		p.events = append(p.events, domain.StreamEvent{Type: domain.StreamDelta, Text: s})
	}
	p.events = append(p.events, domain.StreamEvent{Type: domain.StreamDone, InputTokens: 10, OutputTokens: 5})
}

type stack struct {
	router   *gin.Engine
	db       *dynamotest.DB
	provider *scriptedProvider
	devices  *usecase.DeviceService
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	db := dynamotest.New()
	tables := repository.TableNames("test-")
	_, err := repository.EnsureTables(ctx, db, tables)
	require.NoError(t, err)
	client, err := repository.New(db, tables)
	require.NoError(t, err)

	convStore := repository.NewConversationDirectory(client)
	msgStore := repository.NewMessageStore(client)
	provider := &scriptedProvider{}
	provider.reply("Hello", " there")

	chat, err := usecase.NewChatService(convStore, msgStore, provider,
		usecase.NewPromptSource(nil, "", "be warm", nil), nil,
		usecase.ChatConfig{DefaultModel: testModel, AllowedModels: []string{"other-model"}})
	require.NoError(t, err)
	convs, err := usecase.NewConversationService(convStore, msgStore, nil)
	require.NoError(t, err)
	devices, err := usecase.NewDeviceService(repository.NewDeviceRegistry(client), nil, nil)
	require.NoError(t, err)

	h, err := NewHandler(chat, convs, devices, Options{})
	require.NoError(t, err)
	return &stack{router: h.Router(), db: db, provider: provider, devices: devices}
}

func (s *stack) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// registerAdmin seeds an admin code and redeems it.
func (s *stack) registerAdmin(t *testing.T) string {
	t.Helper()
	_, err := s.devices.SeedAdminInviteCode(context.Background(), "ADMIN-SEED")
	require.NoError(t, err)
	return s.register(t, "ADMIN-SEED", "Parent")
}

func (s *stack) register(t *testing.T, code, name string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/register", "",
		`{"invite_code":"`+code+`","device_name":"phone","platform":"ios","display_name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := parseBody[registerResponse](t, rec.Body.String())
	require.NotEmpty(t, out.UserID)
	return out.DeviceToken
}

func (s *stack) registerMember(t *testing.T, adminToken, name string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/admin/invite-codes", adminToken, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	invite := parseBody[inviteCodeResponse](t, rec.Body.String())
	return s.register(t, invite.Code, name)
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func parseSSE(t *testing.T, body string) []domain.ChatEvent {
	t.Helper()
	var out []domain.ChatEvent
	for _, frame := range strings.Split(body, "\n\n") {
		if !strings.HasPrefix(frame, "data: ") {
			continue
		}
		var ev domain.ChatEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code usecase.ErrorCode, message string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(code), out.Error)
	if message != "" {
		require.Equal(t, message, out.Message)
	}
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	s := &stubConvs{}
	_, err := NewHandler(nil, s, &stubDevices{}, Options{})
	require.Error(t, err)
	_, err = NewHandler(&usecase.ChatService{}, nil, &stubDevices{}, Options{})
	require.Error(t, err)
	_, err = NewHandler(&usecase.ChatService{}, s, nil, Options{})
	require.Error(t, err)
}

func TestHealth_AndCorrelationID(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Len(t, rec.Header().Get(correlationHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(correlationHeader, "corr-123")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, "corr-123", rec.Header().Get(correlationHeader))
}

func TestUnknownRoute(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/api/nope", "", "")
	requireError(t, rec, http.StatusNotFound, usecase.ErrorNotFound, "")
}

func TestAuth_Rejections(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, http.MethodPost, "/api/auth/verify", "", "")
	requireError(t, rec, http.StatusUnauthorized, usecase.ErrorUnauthorized, "Missing or invalid Authorization header")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	requireError(t, rec, http.StatusUnauthorized, usecase.ErrorUnauthorized, "Empty token")

	rec = s.do(t, http.MethodGet, "/api/conversations", "not-a-token", "")
	requireError(t, rec, http.StatusUnauthorized, usecase.ErrorUnauthorized, "Invalid token")
	require.NotEmpty(t, rec.Header().Get(correlationHeader))
}

func TestRegisterAndVerify(t *testing.T) {
	s := newStack(t)
	admin := s.registerAdmin(t)

	rec := s.do(t, http.MethodPost, "/api/auth/verify", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[verifyResponse](t, rec.Body.String())
	require.True(t, out.Valid)
	require.Equal(t, "Parent", out.Name)
	require.Equal(t, domain.RoleAdmin, out.Role)

	member := s.registerMember(t, admin, "Kid")
	rec = s.do(t, http.MethodPost, "/api/auth/verify", member, "")
	require.Equal(t, domain.RoleMember, parseBody[verifyResponse](t, rec.Body.String()).Role)

	rec = s.do(t, http.MethodPost, "/api/admin/invite-codes", member, "")
	requireError(t, rec, http.StatusForbidden, usecase.ErrorForbidden, "Admin access required")
}

func TestRegister_Errors(t *testing.T) {
	s := newStack(t)
	s.registerAdmin(t)

	rec := s.do(t, http.MethodPost, "/api/auth/register", "", `not-json`)
	requireError(t, rec, http.StatusBadRequest, usecase.ErrorInvalidInput, "Request body required")

	rec = s.do(t, http.MethodPost, "/api/auth/register", "", `{"platform":"ios"}`)
	requireError(t, rec, http.StatusBadRequest, usecase.ErrorInvalidInput, "Missing fields: invite_code, device_name, display_name")

	rec = s.do(t, http.MethodPost, "/api/auth/register", "",
		`{"invite_code":"ADMIN-SEED","device_name":"d","platform":"ios","display_name":"again"}`)
	requireError(t, rec, http.StatusBadRequest, usecase.ErrorInvalidInput, "Invite code already used or expired")
}

func TestChat_StreamsAndPersists(t *testing.T) {
	s := newStack(t)
	token := s.registerAdmin(t)

	rec := s.do(t, http.MethodPost, "/api/chat", token, `{"message":"What should we cook tonight?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	convID := events[0].ConversationID
	require.NotEmpty(t, convID)
	require.Equal(t, domain.ChatEvent{Type: domain.EventTextDelta, Content: "Hello", ConversationID: convID}, events[0])
	require.Equal(t, " there", events[1].Content)
	require.Equal(t, domain.EventMessageDone, events[2].Type)
	require.NotEmpty(t, events[2].MessageID)
	require.Equal(t, "be warm", s.provider.lastReq.SystemPrompt)
	require.Equal(t, testModel, s.provider.lastReq.Model)

	rec = s.do(t, http.MethodGet, "/api/conversations", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := parseBody[conversationList](t, rec.Body.String())
	require.Len(t, list.Items, 1)
	require.Equal(t, convID, list.Items[0].ID)
	require.Equal(t, "What should we cook tonight?", list.Items[0].Title)
	require.Empty(t, list.NextCursor)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := parseBody[messageList](t, rec.Body.String())
	require.Len(t, msgs.Items, 2)
	require.Equal(t, domain.RoleUser, msgs.Items[0].Role)
	require.Equal(t, "Hello there", msgs.Items[1].Content)
	require.Equal(t, testModel, msgs.Items[1].Model)
	require.Equal(t, events[2].MessageID, msgs.Items[1].ID)

	s.provider.reply("Pasta.")
	rec = s.do(t, http.MethodPost, "/api/chat", token, `{"message":"Something quick","conversation_id":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, s.provider.lastReq.Messages, 3)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=3", token, "")
	msgs = parseBody[messageList](t, rec.Body.String())
	require.Len(t, msgs.Items, 3)
	require.NotEmpty(t, msgs.NextCursor)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=3&cursor="+msgs.NextCursor, token, "")
	msgs = parseBody[messageList](t, rec.Body.String())
	require.Len(t, msgs.Items, 1)
	require.Equal(t, "Pasta.", msgs.Items[0].Content)
	require.Empty(t, msgs.NextCursor)
}

func TestChat_RequestLevelErrors(t *testing.T) {
	s := newStack(t)
	token := s.registerAdmin(t)

	rec := s.do(t, http.MethodPost, "/api/chat", token, `{"message":"  "}`)
	requireError(t, rec, http.StatusBadRequest, usecase.ErrorInvalidInput, "message is required")

	rec = s.do(t, http.MethodPost, "/api/chat", token, `{bad json`)
	requireError(t, rec, http.StatusBadRequest, usecase.ErrorInvalidInput, "")

	rec = s.do(t, http.MethodPost, "/api/chat", token, `{"message":"hi","conversation_id":"missing"}`)
	requireError(t, rec, http.StatusNotFound, usecase.ErrorNotFound, "Conversation not found")

	rec = s.do(t, http.MethodPost, "/api/chat", token, `{"message":"hi","model":"gpt-unknown"}`)
	requireError(t, rec, http.StatusBadRequest, usecase.ErrorInvalidInput, "")
}

func TestChat_ProviderFailureIsInBand(t *testing.T) {
	s := newStack(t)
	token := s.registerAdmin(t)
	s.provider.err = errors.New("connection refused")

	rec := s.do(t, http.MethodPost, "/api/chat", token, `{"message":"hi","model":"other-model"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, domain.EventError, events[0].Type)
	require.Equal(t, "Failed to connect to AI service. Please try again.", events[0].Content)
	require.NotContains(t, rec.Body.String(), "connection refused")
	require.Equal(t, `data: {"type":"error","content":"Failed to connect to AI service. Please try again."}`+"\n\n", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/conversations", token, "")
	convs := parseBody[conversationList](t, rec.Body.String())
	require.Len(t, convs.Items, 1)

	rec = s.do(t, http.MethodGet, "/api/conversations/"+convs.Items[0].ID+"/messages", token, "")
	msgs := parseBody[messageList](t, rec.Body.String())
	require.Len(t, msgs.Items, 1)
	require.Equal(t, domain.RoleUser, msgs.Items[0].Role)
}

func TestConversations_OwnershipAndDelete(t *testing.T) {
	s := newStack(t)
	admin := s.registerAdmin(t)
	member := s.registerMember(t, admin, "Kid")

	rec := s.do(t, http.MethodPost, "/api/chat", admin, `{"message":"private"}`)
	convID := parseSSE(t, rec.Body.String())[0].ConversationID

	for _, path := range []string{"/api/conversations/" + convID, "/api/conversations/" + convID + "/messages"} {
		rec = s.do(t, http.MethodGet, path, member, "")
		requireError(t, rec, http.StatusForbidden, usecase.ErrorForbidden, "Not your conversation")
	}
	rec = s.do(t, http.MethodDelete, "/api/conversations/"+convID, member, "")
	requireError(t, rec, http.StatusForbidden, usecase.ErrorForbidden, "")

	rec = s.do(t, http.MethodGet, "/api/conversations", member, "")
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/conversations/"+convID, admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, convID, parseBody[domain.Conversation](t, rec.Body.String()).ID)

	rec = s.do(t, http.MethodDelete, "/api/conversations/"+convID, admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true}`, rec.Body.String())
	require.Empty(t, s.db.Items("test-Messages"))

	rec = s.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", admin, "")
	requireError(t, rec, http.StatusNotFound, usecase.ErrorNotFound, "Conversation not found")
}

func TestConversations_ListPaging(t *testing.T) {
	s := newStack(t)
	token := s.registerAdmin(t)
	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, "/api/chat", token, `{"message":"topic"}`)
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 5; page++ {
		path := "/api/conversations?limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		rec := s.do(t, http.MethodGet, path, token, "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := parseBody[conversationList](t, rec.Body.String())
		for _, c := range list.Items {
			require.False(t, seen[c.ID], "duplicate %s", c.ID)
			seen[c.ID] = true
		}
		if list.NextCursor == "" {
			break
		}
		cursor = list.NextCursor
	}
	require.Len(t, seen, 3)
}

func TestQueryLimit(t *testing.T) {
	cases := map[string]int{"": 0, "abc": 0, "7": 7, "-1": -1}
	for raw, want := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x?limit="+raw, nil)
		require.Equal(t, want, queryLimit(c), "raw=%q", raw)
	}
}
