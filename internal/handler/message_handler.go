package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gamestore/internal/message"
	"github.com/hitoshi/gamestore/internal/middleware"
	"github.com/hitoshi/gamestore/internal/model"
)

// MessageServiceInterface はメッセージハンドラーが必要とするサービスインターフェース。
type MessageServiceInterface interface {
	History(ctx context.Context, requesterID, productID, counterpartyID string) ([]message.View, error)
	ActiveConversations(ctx context.Context, userID string) ([]message.ConversationSummary, error)
}

// MessageHandler はチャット履歴のHTTPハンドラー。
type MessageHandler struct {
	service MessageServiceInterface
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageServiceInterface) *MessageHandler {
	return &MessageHandler{service: service}
}

// History は商品ごとの相手とのメッセージ履歴を古い順に返す。
// GET /messages/{productId}/{counterpartyId}
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	productID := chi.URLParam(r, "productId")
	counterpartyID := chi.URLParam(r, "counterpartyId")

	views, err := h.service.History(r.Context(), userID, productID, counterpartyID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if views == nil {
		views = []message.View{}
	}

	writeJSON(w, http.StatusOK, views)
}

// Active は自分が参加している会話の一覧を返す。
// GET /messages/active
func (h *MessageHandler) Active(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	summaries, err := h.service.ActiveConversations(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []message.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, summaries)
}
