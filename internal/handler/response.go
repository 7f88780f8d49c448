package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

// userResponse はクライアントに返すユーザー情報。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// sessionInfo はクライアントに返すセッション情報。
type sessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// sessionResponse は GET /auth/session のレスポンス。
type sessionResponse struct {
	User    userResponse `json:"user"`
	Session sessionInfo  `json:"session"`
}

// verifyResponse は POST /token/verify の成功レスポンス。
type verifyResponse struct {
	SessionID        string       `json:"session_id"`
	User             userResponse `json:"user"`
	SessionExpiresAt time.Time    `json:"session_expires_at"`
	AccessToken      string       `json:"access_token"`
	TokenType        string       `json:"token_type"`
	ExpiresIn        int64        `json:"expires_in"`
}

// loginResponse はパスワードログインの成功レスポンス。
type loginResponse struct {
	Token    string `json:"token"`
	Redirect string `json:"redirect"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
