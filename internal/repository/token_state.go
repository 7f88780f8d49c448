package repository

import (
	"errors"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

// errTokenRaced は条件付き更新が失敗したにもかかわらず、直後の読み取りでは
// 消費可能に見えた場合のエラー。呼び出し側では一時的な失敗として扱う。
var errTokenRaced = errors.New("bridging token state changed during consume")

// classifyUnconsumable は条件付き消費に失敗したトークンの理由を判定する。
// 判定順は「未登録 → 期限切れ → 消費済み」で、期限切れかつ消費済みのトークンは期限切れとして扱う。
func classifyUnconsumable(token *model.BridgingToken, now time.Time) error {
	if token == nil {
		return model.ErrTokenNotFound
	}
	if !now.Before(token.ExpiresAt) {
		return model.ErrTokenExpired
	}
	if token.Consumed() {
		return model.ErrTokenAlreadyConsumed
	}
	return errTokenRaced
}
