// Package auth はトークン認証、パスワード認証、外部IdPログインを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/gamestore/internal/model"
	"github.com/hitoshi/gamestore/internal/repository"
	"github.com/hitoshi/gamestore/internal/security"
)

// サービスが返す認証エラー。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
)

const (
	minPasswordLength = 8
	// bcryptは72バイトを超える入力を扱えない
	maxPasswordBytes = 72
	maxNameLength    = 100
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// TokenIssuer はログイン成功時にトークンを発行する。
type TokenIssuer interface {
	Issue(userID string, role model.Role, ttl time.Duration) (string, time.Time, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	TokenTTL      time.Duration // 一般ユーザーのトークン有効期間
	AdminTokenTTL time.Duration // 管理者トークンの有効期間
	BcryptCost    int           // 0の場合はbcrypt.DefaultCost
}

// LoginResult はログイン成功時に返すトークンとユーザー。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider // nilの場合は外部IdPログイン無効
	tokens    TokenIssuer
	userRepo  repository.UserRepository
	identRepo repository.IdentityRepository
	config    ServiceConfig
	markup    *security.MarkupDetector
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	tokens TokenIssuer,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		oauth:     oauth,
		tokens:    tokens,
		userRepo:  userRepo,
		identRepo: identRepo,
		config:    config,
		markup:    security.NewMarkupDetector(),
		now:       time.Now,
	}
}

// OAuthEnabled は外部IdPログインが利用可能かどうかを返す。
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// Register はメールアドレスとパスワードでユーザーを登録し、トークンを発行する。
// 入力が不正な場合は*model.APIError、メールアドレスが登録済みの場合はErrEmailTakenを返す。
func (s *Service) Register(ctx context.Context, name, email, password string) (*LoginResult, error) {
	name = strings.TrimSpace(name)
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return nil, model.NewValidationError(fmt.Sprintf("名前は1〜%d文字で入力してください", maxNameLength))
	}
	if s.markup.ContainsMarkup(name) {
		return nil, model.NewValidationError("名前にHTMLタグは使用できません")
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordBytes {
		return nil, model.NewValidationError(fmt.Sprintf("パスワードは%d〜%dバイトで入力してください", minPasswordLength, maxPasswordBytes))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	hashStr := string(hash)

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: &hashStr,
		Role:         model.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered", slog.String("user_id", user.ID))

	return s.issueFor(user)
}

// Login はメールアドレスとパスワードを検証し、トークンを発行する。
// 失敗理由はクライアントに区別させず、ErrInvalidCredentialsのみを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		slog.Info("login failed", slog.String("reason", "malformed_email"))
		return nil, ErrInvalidCredentials
	}

	user, err := s.userRepo.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		slog.Info("login failed", slog.String("reason", "unknown_email"))
		return nil, ErrInvalidCredentials
	}
	if !user.HasPassword() {
		slog.Info("login failed",
			slog.String("reason", "no_password"),
			slog.String("user_id", user.ID),
		)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		slog.Info("login failed",
			slog.String("reason", "wrong_password"),
			slog.String("user_id", user.ID),
		)
		return nil, ErrInvalidCredentials
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))

	return s.issueFor(user)
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	if s.oauth == nil {
		return ""
	}
	return s.oauth.GetLoginURL(state)
}

// HandleGoogleCallback はOAuthコールバックを処理し、トークンを発行する。
// identityが登録済みならそのユーザーでログインする。
// 未登録で同じメールアドレスのユーザーが存在する場合はidentityを紐付ける。
// どちらでもない場合はusersレコードとidentitiesレコードを同時に作成する。
func (s *Service) HandleGoogleCallback(ctx context.Context, code string) (*LoginResult, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("oauth provider is not configured")
	}

	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var user *model.User

	switch {
	case identity != nil:
		user, err = s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, ErrUserNotFound
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)

	default:
		user, err = s.linkOrCreate(ctx, userInfo)
		if err != nil {
			return nil, err
		}
	}

	return s.issueFor(user)
}

// linkOrCreate は同じメールアドレスの既存ユーザーにidentityを紐付けるか、新規ユーザーを作成する。
func (s *Service) linkOrCreate(ctx context.Context, userInfo *OAuthUserInfo) (*model.User, error) {
	email, err := normalizeEmail(userInfo.Email)
	if err != nil {
		return nil, fmt.Errorf("invalid email from provider: %w", err)
	}

	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}

	now := s.now()
	identity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		CreatedAt:      now,
	}

	if existing != nil {
		identity.UserID = existing.ID
		if err := s.identRepo.Create(ctx, identity); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked to existing user",
			slog.String("user_id", existing.ID),
			slog.String("provider", userInfo.Provider),
		)
		return existing, nil
	}

	// 表示名は他の利用者にも表示されるため、タグを含む場合はメールアドレスで代用する
	name := strings.TrimSpace(userInfo.Name)
	if name == "" || s.markup.ContainsMarkup(name) {
		name = email
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		Role:      model.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity.UserID = user.ID

	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", userInfo.Provider),
	)
	return user, nil
}

// GetCurrentUser はユーザーIDから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	return user, nil
}

// issueFor はユーザーのロールに応じたトークンを発行する。
// 管理者のみロールを埋め込み、短い有効期間を使う。
func (s *Service) issueFor(user *model.User) (*LoginResult, error) {
	var role model.Role
	ttl := s.config.TokenTTL
	if user.IsAdmin() {
		role = model.RoleAdmin
		ttl = s.config.AdminTokenTTL
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, role, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// normalizeEmail はメールアドレスを検証し、小文字化して返す。
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", err
	}
	// 表示名付きの形式は受け付けない
	if addr.Address != email {
		return "", fmt.Errorf("unexpected address format")
	}
	return strings.ToLower(addr.Address), nil
}
