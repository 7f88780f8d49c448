package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// GoogleIssuerURL はGoogleのOIDC issuer。
const GoogleIssuerURL = "https://accounts.google.com"

// OIDCConfig はOIDCプロバイダーの設定。
type OIDCConfig struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// HTTPClient はディスカバリ・JWKS取得・トークン交換に使うクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// OIDCProvider はOpenID Connectによる認証を提供する。GoogleもこのProviderで扱う。
type OIDCProvider struct {
	name     string
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// NewOIDCProvider はディスカバリを行いOIDCProviderを生成する。
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Name == "" || cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc provider config missing required fields")
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	p, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider %s: %w", cfg.Name, err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     p.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	verifier := p.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	return newOIDCProvider(cfg.Name, oauthCfg, verifier, cfg.HTTPClient), nil
}

// NewGoogleProvider はGoogle用のOIDCProviderを生成する。
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string, client *http.Client) (*OIDCProvider, error) {
	return NewOIDCProvider(ctx, OIDCConfig{
		Name:         "google",
		IssuerURL:    GoogleIssuerURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		HTTPClient:   client,
	})
}

func newOIDCProvider(name string, oauthCfg *oauth2.Config, verifier *oidc.IDTokenVerifier, client *http.Client) *OIDCProvider {
	return &OIDCProvider{
		name:     name,
		oauth:    oauthCfg,
		verifier: verifier,
		client:   client,
	}
}

// Name はプロバイダー名を返す。
func (p *OIDCProvider) Name() string {
	return p.name
}

// AuthCodeURL はS256のPKCEチャレンジ付き認可URLを生成する。
func (p *OIDCProvider) AuthCodeURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

// Exchange は認可コードを交換し、IDトークンを検証してユーザー情報を返す。
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
		ctx = oidc.ClientContext(ctx, p.client)
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%s token exchange failed: %w", p.name, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%s did not return id_token", p.name)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%s id_token verification failed: %w", p.name, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s id_token claims parse failed: %w", p.name, err)
	}
	if idToken.Subject == "" || claims.Email == "" {
		return nil, fmt.Errorf("%s id_token missing required claims", p.name)
	}

	slog.Debug("oidc id_token verified",
		slog.String("provider", p.name),
		slog.String("issuer", idToken.Issuer),
		slog.Bool("email_verified", claims.EmailVerified),
	)

	return &Identity{
		Provider:      p.name,
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

var _ Provider = (*OIDCProvider)(nil)
