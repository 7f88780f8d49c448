// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, token, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTokenNotFound        = "TOKEN_NOT_FOUND"
	ErrCodeTokenExpired         = "TOKEN_EXPIRED"
	ErrCodeTokenAlreadyConsumed = "TOKEN_ALREADY_CONSUMED"
	ErrCodeTokenInvalid         = "TOKEN_INVALID"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeEmailAlreadyExists   = "EMAIL_ALREADY_EXISTS"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeWeakPassword         = "WEAK_PASSWORD"
)

// NewTokenNotFoundError はブリッジトークン未検出エラーを生成する。
func NewTokenNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenNotFound,
		Message:  "ログイントークンが見つかりません。",
		Category: "token",
		Action:   "もう一度ログインしてください。",
	}
}

// NewTokenExpiredError はブリッジトークン期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "ログイントークンの有効期限が切れています。",
		Category: "token",
		Action:   "もう一度ログインしてください。",
	}
}

// NewTokenAlreadyConsumedError はブリッジトークン使用済みエラーを生成する。
func NewTokenAlreadyConsumedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenAlreadyConsumed,
		Message:  "ログイントークンは既に使用されています。",
		Category: "token",
		Action:   "もう一度ログインしてください。",
	}
}

// NewTokenInvalidError はトークンが指定されていない、または形式が不正な場合のエラーを生成する。
func NewTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenInvalid,
		Message:  "ログイントークンが不正です。",
		Category: "token",
		Action:   "ログイン画面からやり直してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証されていません。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードの不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
	}
}

// NewEmailAlreadyExistsError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailAlreadyExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewInvalidRequestError はリクエスト形式の不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上で指定してください。", minLength),
		Category: "validation",
		Action:   "より長いパスワードを入力してください。",
	}
}
