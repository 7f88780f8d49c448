package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/authbridge/internal/auth"
	"github.com/hitoshi/authbridge/internal/bridge"
	"github.com/hitoshi/authbridge/internal/middleware"
	"github.com/hitoshi/authbridge/internal/model"
)

// maxVerifyBodyBytes は /token/verify のリクエストボディ上限。
const maxVerifyBodyBytes = 4 << 10

// TokenHandler はブリッジトークン検証のHTTPハンドラー。
type TokenHandler struct {
	service AuthServiceInterface
	now     func() time.Time
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(service AuthServiceInterface) *TokenHandler {
	return &TokenHandler{
		service: service,
		now:     time.Now,
	}
}

// verifyRequest は POST /token/verify のリクエストボディ。
type verifyRequest struct {
	Token string `json:"token"`
}

// Verify はブリッジトークンを1回限りで消費し、セッション情報とアクセストークンを返す。
// POST /token/verify
// トークンはX-Bridge-TokenヘッダーまたはJSONボディ {"token": "..."} で受け取る。
func (h *TokenHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token, err := readBridgeToken(w, r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	redemption, err := h.service.Redeem(r.Context(), token)
	if err != nil {
		writeRedeemError(w, err)
		return
	}

	expiresIn := int64(redemption.AccessExpiresAt.Sub(h.now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		SessionID:        redemption.Session.ID,
		User:             toUserResponse(redemption.User),
		SessionExpiresAt: redemption.Session.ExpiresAt,
		AccessToken:      redemption.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        expiresIn,
	})
}

var errMissingToken = errors.New("token is required")

// readBridgeToken はヘッダーを優先してトークンを読み取る。
func readBridgeToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.Header.Get(middleware.BridgeTokenHeader)); token != "" {
		return token, nil
	}

	if r.Body == nil {
		return "", errMissingToken
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBodyBytes)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", errMissingToken
		}
		return "", errors.New("request body must be JSON")
	}
	if token := strings.TrimSpace(req.Token); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

// writeRedeemError はトークン検証エラーをHTTPステータスとAPIErrorに変換する。
func writeRedeemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrTokenNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTokenNotFoundError())
	case errors.Is(err, model.ErrTokenExpired):
		middleware.WriteErrorResponse(w, http.StatusGone, model.NewTokenExpiredError())
	case errors.Is(err, model.ErrTokenAlreadyConsumed):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenAlreadyConsumedError())
	case errors.Is(err, bridge.ErrMalformedToken), errors.Is(err, auth.ErrSessionNotFound):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
	default:
		slog.Error("failed to redeem bridging token", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
