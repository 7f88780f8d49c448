package auth

import (
	"errors"
	"fmt"
)

// LoginState はOAuthログイン1回分の進行状態を表す。
type LoginState string

const (
	StateIdle                     LoginState = "idle"
	StateProviderRedirect         LoginState = "provider_redirect"
	StateProviderCallbackReceived LoginState = "provider_callback_received"
	StateSessionEstablished       LoginState = "session_established"
	StateTokenIssued              LoginState = "token_issued"
	StateUserRedirectedToFrontend LoginState = "user_redirected_to_frontend"
	StateFailed                   LoginState = "failed"
)

// ログイン失敗時にフロントエンドへ渡すエラーコード。
// プロバイダーが返したエラー（access_denied等）はそのままのコードで渡す。
const (
	CodeUnknownProvider        = "unknown_provider"
	CodeInvalidState           = "invalid_state"
	CodeMissingCode            = "missing_code"
	CodeProviderExchangeFailed = "provider_exchange_failed"
	CodeAccountExists          = "account_exists"
	CodeServerError            = "server_error"
)

// LoginError はログイン試行の失敗を表す。CodeとDescriptionはログイン失敗URLの
// error / error_description クエリにそのまま載せる。
type LoginError struct {
	Code        string
	Description string
	Err         error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed (%s): %v", e.Code, e.Err)
	}
	if e.Description != "" {
		return fmt.Sprintf("login failed (%s): %s", e.Code, e.Description)
	}
	return fmt.Sprintf("login failed (%s)", e.Code)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// AsLoginError はerrをLoginErrorとして取り出す。LoginErrorでない場合はserver_errorとして包む。
func AsLoginError(err error) *LoginError {
	var le *LoginError
	if errors.As(err, &le) {
		return le
	}
	return &LoginError{Code: CodeServerError, Description: "ログイン処理中にエラーが発生しました", Err: err}
}

func loginFailure(code, description string, err error) *LoginError {
	return &LoginError{Code: code, Description: description, Err: err}
}
