package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authbridge/internal/auth"
	"github.com/hitoshi/authbridge/internal/middleware"
	"github.com/hitoshi/authbridge/internal/model"
)

const maxPasswordBodyBytes = 8 << 10

// PasswordServiceInterface はメール・パスワードログインのサービスインターフェース。
type PasswordServiceInterface interface {
	SignUp(ctx context.Context, email, password, name, redirect string) (*auth.LoginResult, error)
	SignIn(ctx context.Context, email, password, redirect string) (*auth.LoginResult, error)
}

// PasswordHandler はメール・パスワードログインのHTTPハンドラー。
type PasswordHandler struct {
	service PasswordServiceInterface
	auth    *AuthHandler
}

// NewPasswordHandler はPasswordHandlerを生成する。
// セッションCookieの設定はAuthHandlerと共有する。
func NewPasswordHandler(service PasswordServiceInterface, authHandler *AuthHandler) *PasswordHandler {
	return &PasswordHandler{
		service: service,
		auth:    authHandler,
	}
}

// passwordRequest はサインアップ・サインインのリクエストボディ。
type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Redirect string `json:"redirect"`
}

// SignUp はアカウントを作成してログイン状態にする。
// POST /auth/sign-up/email
func (h *PasswordHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePasswordRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.Name, req.Redirect)
	if err != nil {
		writePasswordError(w, err)
		return
	}
	h.respond(w, result)
}

// SignIn はメールアドレスとパスワードでログインする。
// POST /auth/sign-in/email
func (h *PasswordHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePasswordRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.SignIn(r.Context(), req.Email, req.Password, req.Redirect)
	if err != nil {
		writePasswordError(w, err)
		return
	}
	h.respond(w, result)
}

// respond はセッションCookieとブリッジトークンを返す。
// トークンはボディとX-Bridge-Tokenヘッダーの両方に載せる。
func (h *PasswordHandler) respond(w http.ResponseWriter, result *auth.LoginResult) {
	h.auth.setSessionCookie(w, result.Session)
	w.Header().Set(middleware.BridgeTokenHeader, result.Token)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:    result.Token,
		Redirect: result.Redirect,
	})
}

func decodePasswordRequest(w http.ResponseWriter, r *http.Request) (*passwordRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPasswordBodyBytes)

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("request body must be JSON"))
		return nil, false
	}
	if req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("email and password are required"))
		return nil, false
	}
	return &req, true
}

func writePasswordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid email address"))
	case errors.Is(err, auth.ErrWeakPassword):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewWeakPasswordError(auth.MinPasswordLength))
	case errors.Is(err, auth.ErrEmailExists):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailAlreadyExistsError())
	case errors.Is(err, auth.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	default:
		slog.Error("password login failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
