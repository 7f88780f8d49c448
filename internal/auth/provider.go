package auth

import (
	"context"
	"sort"
)

// Identity は外部IdPから取得したユーザー情報を表す。
type Identity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider はOAuth認証プロバイダーのインターフェース。
type Provider interface {
	// Name はルーティングに使うプロバイダー名（"google", "github" 等）を返す。
	Name() string
	// AuthCodeURL はPKCEチャレンジ付きの認可URLを生成する。
	AuthCodeURL(state, verifier string) string
	// Exchange は認可コードをトークンに交換し、ユーザー情報を取得する。
	Exchange(ctx context.Context, code, verifier string) (*Identity, error)
}

// Registry は有効なプロバイダーを名前で引けるようにまとめたもの。
type Registry struct {
	providers map[string]Provider
}

// NewRegistry はRegistryを生成する。nilのプロバイダーは無視する。
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Get は名前に対応するプロバイダーを返す。
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names は登録済みのプロバイダー名を昇順で返す。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
