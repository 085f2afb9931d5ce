// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/gamestore/internal/auth"
	"github.com/hitoshi/gamestore/internal/metrics"
	"github.com/hitoshi/gamestore/internal/middleware"
	"github.com/hitoshi/gamestore/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, name, email, password string) (*auth.LoginResult, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	OAuthEnabled() bool
	GetLoginURL(state string) string
	HandleGoogleCallback(ctx context.Context, code string) (*auth.LoginResult, error)
	GetCurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// LoginRecorder はログイン結果の記録先。
type LoginRecorder interface {
	RecordLogin(result string)
}

type noopLoginRecorder struct{}

func (noopLoginRecorder) RecordLogin(string) {}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string // Googleログイン後のリダイレクト先
	CookieSecure bool   // stateCookieのSecure属性
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	logins  LoginRecorder
}

// NewAuthHandler はAuthHandlerを生成する。
// loginsがnilの場合はログイン結果を記録しない。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, logins LoginRecorder) *AuthHandler {
	if logins == nil {
		logins = noopLoginRecorder{}
	}
	return &AuthHandler{
		service: service,
		config:  config,
		logins:  logins,
	}
}

// registerRequest はユーザー登録リクエストのボディ。
type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// tokenResponse はトークン発行時のAPIレスポンス。
type tokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      userResponse `json:"user"`
}

// Register はメールアドレスとパスワードでユーザーを登録する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	result, err := h.service.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTokenResponse(result))
}

// Login はメールアドレスとパスワードでログインする。
// 失敗理由はレスポンスで区別しない。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logins.RecordLogin(metrics.LoginRejected)
		} else {
			h.logins.RecordLogin(metrics.LoginErrored)
		}
		handleServiceError(w, err)
		return
	}

	h.logins.RecordLogin(metrics.LoginSucceeded)
	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

// Logout はログアウトを受け付ける。
// トークンはサーバー側で失効させず、クライアントが破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), userID)
	if err != nil {
		// トークンは有効でもユーザーが削除済みの場合
		if errors.Is(err, auth.ErrUserNotFound) {
			writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.service.OAuthEnabled() {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "GOOGLE_LOGIN_DISABLED",
			Message:  "Googleログインは利用できません。",
			Category: "auth",
			Action:   "メールアドレスとパスワードでログインしてください。",
		})
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/google",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// 成功時はURLフラグメントにトークンを載せてBaseURLへリダイレクトする。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("stateパラメータが一致しません"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth/google",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("認可コードがありません"))
		return
	}

	result, err := h.service.HandleGoogleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.logins.RecordLogin(metrics.LoginErrored)
		http.Redirect(w, r, h.config.BaseURL+"#error=login_failed", http.StatusTemporaryRedirect)
		return
	}

	h.logins.RecordLogin(metrics.LoginSucceeded)

	fragment := url.Values{}
	fragment.Set("token", result.Token)
	http.Redirect(w, r, h.config.BaseURL+"#"+fragment.Encode(), http.StatusTemporaryRedirect)
}

// toUserResponse はmodel.UserからAPIレスポンスに変換する。
func toUserResponse(user *model.User) userResponse {
	role := user.Role
	if role == "" {
		role = model.RoleUser
	}
	return userResponse{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
		Role:  string(role),
	}
}

func toTokenResponse(result *auth.LoginResult) tokenResponse {
	return tokenResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      toUserResponse(result.User),
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
