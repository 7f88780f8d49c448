package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig はGitHub OAuthプロバイダーの設定。
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client

	// テスト用にオーバーライド可能なエンドポイント
	Endpoint   oauth2.Endpoint
	APIBaseURL string
}

// GitHubProvider はGitHub OAuth Appによる認証を提供する。
// GitHubはIDトークンを返さないため、ユーザー情報はREST APIから取得する。
type GitHubProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	client     *http.Client
}

// NewGitHubProvider はGitHubProviderを生成する。
func NewGitHubProvider(cfg GitHubConfig) (*GitHubProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("github oauth config missing required fields")
	}
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = github.Endpoint
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultGitHubAPIBaseURL
	}

	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     cfg.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBaseURL: cfg.APIBaseURL,
		client:     cfg.HTTPClient,
	}, nil
}

// Name はプロバイダー名を返す。
func (p *GitHubProvider) Name() string {
	return "github"
}

// AuthCodeURL はS256のPKCEチャレンジ付き認可URLを生成する。
func (p *GitHubProvider) AuthCodeURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Exchange は認可コードを交換し、/user と /user/emails からユーザー情報を組み立てる。
func (p *GitHubProvider) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("github token exchange failed: %w", err)
	}
	client := p.oauth.Client(ctx, token)

	var user githubUser
	if err := p.getJSON(ctx, client, "/user", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch github user: %w", err)
	}
	if user.ID == 0 {
		return nil, errors.New("github user response missing id")
	}

	var emails []githubEmail
	if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		return nil, fmt.Errorf("failed to fetch github emails: %w", err)
	}

	email, verified := pickGitHubEmail(emails)
	if email == "" {
		// 公開メールのみ取得できる場合は未検証扱い
		email, verified = user.Email, false
	}
	if email == "" {
		return nil, errors.New("github account has no usable email")
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Identity{
		Provider:      p.Name(),
		Subject:       strconv.FormatInt(user.ID, 10),
		Email:         email,
		EmailVerified: verified,
		Name:          name,
	}, nil
}

// pickGitHubEmail はプライマリかつ検証済みのメールを優先して選ぶ。
func pickGitHubEmail(emails []githubEmail) (string, bool) {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true
		}
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified
		}
	}
	return "", false
}

func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ Provider = (*GitHubProvider)(nil)
