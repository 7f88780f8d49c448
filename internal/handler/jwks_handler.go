package handler

import (
	"net/http"

	"github.com/go-jose/go-jose/v4"
)

// KeySetProvider はアクセストークン検証用の公開鍵セットを返す。*claims.Issuer が満たす。
type KeySetProvider interface {
	PublicKeySet() jose.JSONWebKeySet
}

// NewJWKSHandler は GET /jwks のハンドラーを返す。
// 公開オリジンなどのリソースサーバーはこの鍵でアクセストークンを検証する。
func NewJWKSHandler(keys KeySetProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, keys.PublicKeySet())
	}
}
