package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"family-assistant/internal/domain"
)

const (
	inviteExpiresAt       = "2099-12-31T00:00:00+00:00"
	deviceTokenBytes      = 48
	inviteCodeBytes       = 3
	maxInviteCodeAttempts = 5
	adminInviteCreator    = "system"
)

var validPlatforms = map[string]bool{"ios": true, "android": true, "web": true}

type DeviceRegistry interface {
	FindPrincipalByToken(ctx context.Context, token string) (domain.Principal, bool, error)
	GetInviteCode(ctx context.Context, code string) (domain.InviteCode, bool, error)
	PutInviteCode(ctx context.Context, invite domain.InviteCode) error
	Redeem(ctx context.Context, code string, user domain.User, device domain.Device) error
}

// PrincipalCache is an optional read-through cache in front of token lookups.
type PrincipalCache interface {
	Get(ctx context.Context, token string) (domain.Principal, bool, error)
	Set(ctx context.Context, token string, p domain.Principal) error
}

type RegisterInput struct {
	InviteCode  string
	DeviceName  string
	Platform    string
	DisplayName string
}

type RegisterOutput struct {
	UserID      string
	DeviceToken string
}

// DeviceService registers devices against invite codes and authenticates their tokens.
type DeviceService struct {
	registry DeviceRegistry
	cache    PrincipalCache
	log      *zap.Logger
	now      func() time.Time
	random   func([]byte) (int, error)
}

func NewDeviceService(registry DeviceRegistry, cache PrincipalCache, log *zap.Logger) (*DeviceService, error) {
	if registry == nil {
		return nil, errors.New("usecase: device registry must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceService{registry: registry, cache: cache, log: log, now: time.Now, random: rand.Read}, nil
}

func (s *DeviceService) Register(ctx context.Context, in RegisterInput) (RegisterOutput, error) {
	in.InviteCode = strings.TrimSpace(in.InviteCode)
	in.Platform = strings.TrimSpace(in.Platform)
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"invite_code", in.InviteCode},
		{"device_name", in.DeviceName},
		{"platform", in.Platform},
		{"display_name", in.DisplayName},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return RegisterOutput{}, newUserError(ErrorInvalidInput, "missing_fields", "Missing fields: "+strings.Join(missing, ", "))
	}
	if !validPlatforms[in.Platform] {
		return RegisterOutput{}, newUserError(ErrorInvalidInput, "invalid_platform", "platform must be 'ios', 'android', or 'web'")
	}

	invite, ok, err := s.registry.GetInviteCode(ctx, in.InviteCode)
	if err != nil {
		return RegisterOutput{}, newError(ErrorInternal, "invite_code_read_error", err)
	}
	if !ok {
		return RegisterOutput{}, newUserError(ErrorInvalidInput, "invalid_invite_code", "Invalid invite code")
	}
	if invite.Status != domain.InviteActive || s.expired(invite) {
		return RegisterOutput{}, newUserError(ErrorInvalidInput, "invite_code_unavailable", "Invite code already used or expired")
	}

	token, err := s.randomToken(deviceTokenBytes)
	if err != nil {
		return RegisterOutput{}, newError(ErrorInternal, "token_generation_error", err)
	}
	now := s.now().UTC()
	role := domain.RoleMember
	if invite.IsAdmin {
		role = domain.RoleAdmin
	}
	user := domain.User{ID: ulid.Make().String(), Name: strings.TrimSpace(in.DisplayName), Role: role, CreatedAt: now}
	device := domain.Device{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Token:        token,
		Platform:     in.Platform,
		Name:         strings.TrimSpace(in.DeviceName),
		RegisteredAt: now,
	}

	if err := s.registry.Redeem(ctx, invite.Code, user, device); err != nil {
		if errors.Is(err, domain.ErrInviteCodeUnavailable) {
			return RegisterOutput{}, newUserError(ErrorInvalidInput, "invite_code_unavailable", "Invite code already used or expired")
		}
		return RegisterOutput{}, newError(ErrorInternal, "device_register_error", err)
	}
	s.log.Info("device registered",
		zap.String("user_id", user.ID),
		zap.String("device_id", device.ID),
		zap.String("platform", device.Platform),
		zap.String("role", role),
	)
	return RegisterOutput{UserID: user.ID, DeviceToken: token}, nil
}

func (s *DeviceService) expired(invite domain.InviteCode) bool {
	if invite.ExpiresAt == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, invite.ExpiresAt)
	if err != nil {
		return false
	}
	return s.now().After(at)
}

// Authenticate resolves a bearer token to its principal.
func (s *DeviceService) Authenticate(ctx context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, newUserError(ErrorUnauthorized, "empty_token", "Empty token")
	}
	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, token)
		if err != nil {
			s.log.Warn("principal cache read failed", zap.Error(err))
		} else if ok {
			return p, nil
		}
	}

	p, ok, err := s.registry.FindPrincipalByToken(ctx, token)
	if err != nil {
		return domain.Principal{}, newError(ErrorInternal, "token_lookup_error", err)
	}
	if !ok {
		return domain.Principal{}, newUserError(ErrorUnauthorized, "invalid_token", "Invalid token")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, token, p); err != nil {
			s.log.Warn("principal cache write failed", zap.Error(err))
		}
	}
	return p, nil
}

// CreateInviteCode issues a fresh member invite. Admins only.
func (s *DeviceService) CreateInviteCode(ctx context.Context, p domain.Principal) (domain.InviteCode, error) {
	if !p.IsAdmin() {
		return domain.InviteCode{}, newUserError(ErrorForbidden, "admin_required", "Admin access required")
	}
	for attempt := 0; attempt < maxInviteCodeAttempts; attempt++ {
		code, err := s.inviteCode()
		if err != nil {
			return domain.InviteCode{}, newError(ErrorInternal, "invite_code_generation_error", err)
		}
		invite := domain.InviteCode{
			Code:      code,
			CreatedBy: p.UserID,
			Status:    domain.InviteActive,
			ExpiresAt: inviteExpiresAt,
		}
		err = s.registry.PutInviteCode(ctx, invite)
		if err == nil {
			s.log.Info("invite code created", zap.String("created_by", p.UserID))
			return invite, nil
		}
		if !errors.Is(err, domain.ErrInviteCodeExists) {
			return domain.InviteCode{}, newError(ErrorInternal, "invite_code_write_error", err)
		}
	}
	return domain.InviteCode{}, newError(ErrorInternal, "invite_code_collision", fmt.Errorf("no free code after %d attempts", maxInviteCodeAttempts))
}

// SeedAdminInviteCode stores code as an admin invite if it does not exist yet.
// It reports whether a new code was written.
func (s *DeviceService) SeedAdminInviteCode(ctx context.Context, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	err := s.registry.PutInviteCode(ctx, domain.InviteCode{
		Code:      code,
		CreatedBy: adminInviteCreator,
		Status:    domain.InviteActive,
		IsAdmin:   true,
		ExpiresAt: inviteExpiresAt,
	})
	if errors.Is(err, domain.ErrInviteCodeExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("usecase: seed admin invite code: %w", err)
	}
	s.log.Info("admin invite code seeded")
	return true, nil
}

func (s *DeviceService) randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := s.random(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *DeviceService) inviteCode() (string, error) {
	b := make([]byte, inviteCodeBytes)
	if _, err := s.random(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
