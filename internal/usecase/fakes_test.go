package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"family-assistant/internal/domain"
)

// journal records calls across fakes so tests can assert ordering.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

type fakeConvs struct {
	mu      sync.Mutex
	j       *journal
	convs   map[string]domain.Conversation
	nextID  int
	now     time.Time
	touched []time.Time

	createErr error
	getErr    error
	touchErr  error
	listErr   error
	deleteErr error

	page      domain.ConversationPage
	lastLimit int
	lastAfter *domain.RecencyKey
}

func newFakeConvs(j *journal) *fakeConvs {
	return &fakeConvs{j: j, convs: map[string]domain.Conversation{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeConvs) put(conv domain.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = conv
}

func (f *fakeConvs) Create(_ context.Context, userID, title string) (domain.Conversation, error) {
	f.j.add("convs.Create")
	if f.createErr != nil {
		return domain.Conversation{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv := domain.Conversation{
		ID:        fmt.Sprintf("conv-%d", f.nextID),
		UserID:    userID,
		Title:     title,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeConvs) Get(_ context.Context, id string) (domain.Conversation, bool, error) {
	f.j.add("convs.Get")
	if f.getErr != nil {
		return domain.Conversation{}, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	return conv, ok, nil
}

func (f *fakeConvs) Touch(_ context.Context, id string, ts time.Time) error {
	f.j.add("convs.Touch")
	if f.touchErr != nil {
		return f.touchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ts)
	if conv, ok := f.convs[id]; ok && !ts.Before(conv.UpdatedAt) {
		conv.UpdatedAt = ts
		f.convs[id] = conv
	}
	return nil
}

func (f *fakeConvs) ListForUser(_ context.Context, userID string, limit int, after *domain.RecencyKey) (domain.ConversationPage, error) {
	f.j.add("convs.ListForUser")
	f.lastLimit = limit
	f.lastAfter = after
	if f.listErr != nil {
		return domain.ConversationPage{}, f.listErr
	}
	return f.page, nil
}

func (f *fakeConvs) Delete(_ context.Context, id string) error {
	f.j.add("convs.Delete")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, id)
	return nil
}

type fakeMsgs struct {
	mu     sync.Mutex
	j      *journal
	byConv map[string][]domain.Message
	seq    int
	clock  time.Time

	// appendErrs is consumed one entry per Append call; nil entries succeed.
	appendErrs   []error
	appendCalls  int
	recentErr    error
	listErr      error
	deleteAllErr error

	page        domain.MessagePage
	lastLimit   int
	lastAfter   string
	recentLimit int
}

func newFakeMsgs(j *journal) *fakeMsgs {
	return &fakeMsgs{j: j, byConv: map[string][]domain.Message{}, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeMsgs) Append(_ context.Context, convID string, role domain.Role, content, model string, tokens *int) (domain.Message, error) {
	f.j.add("msgs.Append:" + string(role))
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.appendCalls
	f.appendCalls++
	if call < len(f.appendErrs) && f.appendErrs[call] != nil {
		return domain.Message{}, f.appendErrs[call]
	}
	f.seq++
	f.clock = f.clock.Add(time.Second)
	msg := domain.Message{
		ConversationID: convID,
		SortKey:        fmt.Sprintf("%s#%04d", f.clock.Format(time.RFC3339), f.seq),
		ID:             fmt.Sprintf("msg-%d", f.seq),
		Role:           role,
		Content:        content,
		Model:          model,
		TokensUsed:     tokens,
		CreatedAt:      f.clock,
	}
	f.byConv[convID] = append(f.byConv[convID], msg)
	return msg, nil
}

func (f *fakeMsgs) List(_ context.Context, convID string, limit int, after string) (domain.MessagePage, error) {
	f.j.add("msgs.List")
	f.lastLimit = limit
	f.lastAfter = after
	if f.listErr != nil {
		return domain.MessagePage{}, f.listErr
	}
	return f.page, nil
}

func (f *fakeMsgs) Recent(_ context.Context, convID string, n int) ([]domain.Message, error) {
	f.j.add("msgs.Recent")
	f.recentLimit = n
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.byConv[convID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]domain.Message(nil), all...), nil
}

func (f *fakeMsgs) DeleteAll(_ context.Context, convID string) error {
	f.j.add("msgs.DeleteAll")
	if f.deleteAllErr != nil {
		return f.deleteAllErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byConv, convID)
	return nil
}

func (f *fakeMsgs) messages(convID string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.byConv[convID]...)
}

type fakeProvider struct {
	events  []domain.StreamEvent
	err     error
	lastReq domain.CompletionRequest
	lastCtx context.Context
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	f.lastReq = req
	f.lastCtx = ctx
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type recordingSink struct {
	events []domain.ChatEvent
	// failAfter makes Send fail once this many events were accepted. Zero never fails.
	failAfter int
	attempts  int
}

var errClientGone = errors.New("client gone")

func (s *recordingSink) Send(ev domain.ChatEvent) error {
	s.attempts++
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errClientGone
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []domain.ChatEventType {
	out := make([]domain.ChatEventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type staticPrompt struct {
	prompt string
	err    error
}

func (s staticPrompt) SystemPrompt(context.Context) (string, error) {
	return s.prompt, s.err
}

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", errParamNotFound
	}
	return v, nil
}

var errParamNotFound = errors.New("param not found")

type fakeRegistry struct {
	mu       sync.Mutex
	invites  map[string]domain.InviteCode
	devices  map[string]domain.Principal
	users    map[string]domain.User
	lookups  int
	redeemFn func(code string) error
	putErrs  []error
	putCalls int
	getErr   error
	findErr  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		invites: map[string]domain.InviteCode{},
		devices: map[string]domain.Principal{},
		users:   map[string]domain.User{},
	}
}

func (f *fakeRegistry) FindPrincipalByToken(_ context.Context, token string) (domain.Principal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.findErr != nil {
		return domain.Principal{}, false, f.findErr
	}
	p, ok := f.devices[token]
	return p, ok, nil
}

func (f *fakeRegistry) GetInviteCode(_ context.Context, code string) (domain.InviteCode, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.InviteCode{}, false, f.getErr
	}
	inv, ok := f.invites[code]
	return inv, ok, nil
}

func (f *fakeRegistry) PutInviteCode(_ context.Context, invite domain.InviteCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.putCalls
	f.putCalls++
	if call < len(f.putErrs) && f.putErrs[call] != nil {
		return f.putErrs[call]
	}
	if _, ok := f.invites[invite.Code]; ok {
		return domain.ErrInviteCodeExists
	}
	f.invites[invite.Code] = invite
	return nil
}

func (f *fakeRegistry) Redeem(_ context.Context, code string, user domain.User, device domain.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redeemFn != nil {
		if err := f.redeemFn(code); err != nil {
			return err
		}
	}
	inv, ok := f.invites[code]
	if !ok || inv.Status != domain.InviteActive {
		return domain.ErrInviteCodeUnavailable
	}
	inv.Status = domain.InviteUsed
	inv.UsedBy = user.ID
	f.invites[code] = inv
	f.users[user.ID] = user
	f.devices[device.Token] = domain.Principal{UserID: user.ID, Name: user.Name, Role: user.Role, DeviceID: device.ID}
	return nil
}

func (f *fakeRegistry) inviteCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.invites))
	for c := range f.invites {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type fakeCache struct {
	entries map[string]domain.Principal
	getErr  error
	setErr  error
	sets    int
}

func (c *fakeCache) Get(_ context.Context, token string) (domain.Principal, bool, error) {
	if c.getErr != nil {
		return domain.Principal{}, false, c.getErr
	}
	p, ok := c.entries[token]
	return p, ok, nil
}

func (c *fakeCache) Set(_ context.Context, token string, p domain.Principal) error {
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	if c.entries == nil {
		c.entries = map[string]domain.Principal{}
	}
	c.entries[token] = p
	return nil
}
