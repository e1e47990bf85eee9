package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const githubAPIBaseURL = "https://api.github.com"

// GitHubConfig configures the GitHub verifier. APIBaseURL defaults to the
// public GitHub REST API.
type GitHubConfig struct {
	APIBaseURL string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// GitHub verifies opaque GitHub access tokens against the REST API.
type GitHub struct {
	cfg  GitHubConfig
	http *http.Client
}

func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = githubAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &GitHub{
		cfg:  cfg,
		http: httpClient,
	}
}

func (g *GitHub) Provider() string {
	return "github"
}

// Verify calls /user with the token as a static bearer credential. GitHub
// hides the primary email on /user for many grants, so a /user/emails
// fallback fills it in when the token's scopes allow.
func (g *GitHub) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, g.http)
	client := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.APIBaseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: user api status 401", ErrTokenInvalid)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: rate limited", ErrProviderUnavailable)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: user api status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: user api status %d", ErrTokenInvalid, resp.StatusCode)
	}

	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: missing user id", ErrTokenInvalid)
	}

	var scopes []string
	if header := resp.Header.Get("X-OAuth-Scopes"); header != "" {
		for _, scope := range strings.Split(header, ",") {
			if trimmed := strings.TrimSpace(scope); trimmed != "" {
				scopes = append(scopes, trimmed)
			}
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	claims := &Claims{
		Provider:  "github",
		SubjectID: strconv.FormatInt(user.ID, 10),
		Email:     user.Email,
		Name:      name,
		AvatarURL: user.AvatarURL,
		Scopes:    scopes,
	}

	if claims.Email == "" {
		g.fillPrimaryEmail(ctx, client, claims)
	}

	return claims, nil
}

// fillPrimaryEmail is best-effort: a token without the user:email scope
// simply leaves the email empty.
func (g *GitHub) fillPrimaryEmail(ctx context.Context, client *http.Client, claims *Claims) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.APIBaseURL+"/user/emails", nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return
	}

	for _, entry := range emails {
		if entry.Primary {
			claims.Email = entry.Email
			claims.EmailVerified = entry.Verified
			claims.EmailVerifiedKnown = true
			return
		}
	}
	for _, entry := range emails {
		if entry.Verified {
			claims.Email = entry.Email
			claims.EmailVerified = true
			claims.EmailVerifiedKnown = true
			return
		}
	}
}
