package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/gamestore/internal/model"
)

// トークン検証の失敗理由。いずれも再試行しても結果は変わらない。
var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Authenticator はトークン文字列から認証済みの主体を復元する。
// HTTPミドルウェアとチャットのハンドシェイクが利用する。
type Authenticator interface {
	Authenticate(token string) (*model.Principal, error)
}

// Claims はトークンに埋め込むクレーム。
// SubjectにユーザーIDを持ち、Roleは管理者の場合のみ設定する。
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService はHS256署名のトークンを発行・検証する。
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(secret, issuer string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue はユーザーIDと任意のロールを埋め込んだトークンを発行し、有効期限とともに返す。
func (s *TokenService) Issue(userID string, role model.Role, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user ID is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	now := s.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Authenticate はトークンを検証しPrincipalを返す。
// 失敗時はErrMissingToken, ErrInvalidToken, ErrExpiredTokenのいずれかを返す。
func (s *TokenService) Authenticate(token string) (*model.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	return &model.Principal{
		UserID: claims.Subject,
		Role:   model.Role(claims.Role),
	}, nil
}

// compile-time interface check
var _ Authenticator = (*TokenService)(nil)
