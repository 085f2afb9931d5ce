package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultGoogleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	defaultGoogleIssuer   = "https://accounts.google.com"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能な値
	AuthURL  string
	TokenURL string
	Issuer   string
	KeySet   oidc.KeySet
	Now      func() time.Time
}

// GoogleOAuthProvider はGoogle OAuth 2.0 (OpenID Connect) による認証を提供する。
// ユーザー情報はトークンレスポンスに含まれるIDトークンの検証結果から取得する。
type GoogleOAuthProvider struct {
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
// 署名鍵は初回の検証時に取得するため、生成時にはネットワークアクセスしない。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.Issuer == "" {
		config.Issuer = defaultGoogleIssuer
	}
	if config.KeySet == nil {
		config.KeySet = oidc.NewRemoteKeySet(context.Background(), defaultGoogleJWKSURL)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   config.AuthURL,
			TokenURL:  config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	verifier := oidc.NewVerifier(config.Issuer, config.KeySet, &oidc.Config{
		ClientID: config.ClientID,
		Now:      config.Now,
	})

	return &GoogleOAuthProvider{oauth2: oauthConfig, verifier: verifier}
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// スコープにはopenid, email, profileを含む。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	return p.oauth2.AuthCodeURL(state)
}

// googleIDTokenClaims はGoogleのIDトークンから取り出すクレーム。
type googleIDTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// ExchangeCode は認可コードをトークンに交換し、IDトークンを検証してユーザー情報を返す。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("id_token is missing in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}

	var claims googleIDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token claims: %w", err)
	}

	if claims.Email == "" {
		return nil, fmt.Errorf("email is missing in id token")
	}
	if !claims.EmailVerified {
		return nil, fmt.Errorf("email %s is not verified", claims.Email)
	}

	name := claims.Name
	if name == "" {
		name = claims.Email
	}

	return &OAuthUserInfo{
		ProviderUserID: idToken.Subject,
		Email:          claims.Email,
		Name:           name,
		Provider:       "google",
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
