// Package site は公開オリジン（ドキュメントサイト）側のログインコールバック処理を提供する。
// ブリッジトークンを認証オリジンで1回だけ引き換え、ファーストパーティのセッションを確立する。
package site

import (
	"errors"
	"fmt"
	"net/http"
)

// CallbackState はコールバック処理の状態。
type CallbackState string

const (
	StateArrived     CallbackState = "arrived"
	StateExchanging  CallbackState = "exchanging"
	StateEstablished CallbackState = "established"
	StateFailed      CallbackState = "failed"
)

// 失敗コード。エラー画面とメトリクスのラベルに使う。
const (
	CodeMissingToken         = "missing_token"
	CodeProviderError        = "provider_error"
	CodeTokenNotFound        = "token_not_found"
	CodeTokenExpired         = "token_expired"
	CodeTokenAlreadyConsumed = "token_already_consumed"
	CodeTokenInvalid         = "token_invalid"
	CodeNetworkFailure       = "network_failure"
	CodeRateLimited          = "rate_limited"
	CodeServerError          = "server_error"
)

// Failure はFailed状態に至った理由。
type Failure struct {
	Code        string
	Description string
	// ProviderCode はプロバイダーが返したエラーコード（access_denied等）。ProviderError時のみ。
	ProviderCode string
	Err          error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return f.Code
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// StatusCode はエラー画面のHTTPステータスを返す。
func (f *Failure) StatusCode() int {
	switch f.Code {
	case CodeMissingToken, CodeProviderError:
		return http.StatusBadRequest
	case CodeTokenExpired:
		return http.StatusGone
	case CodeTokenNotFound, CodeTokenAlreadyConsumed, CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeNetworkFailure:
		return http.StatusBadGateway
	case CodeRateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsFailure はerrを*Failureに変換する。*Failureでない場合はserver_errorとして扱う。
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Code: CodeServerError, Description: "ログイン処理中にエラーが発生しました", Err: err}
}
