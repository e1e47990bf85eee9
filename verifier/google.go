package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const (
	googleIssuer       = "https://accounts.google.com"
	googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
)

// GoogleConfig configures the Google verifier. Issuer and TokenInfoURL
// default to Google's production endpoints.
type GoogleConfig struct {
	// ClientID, when set, is enforced as the token audience.
	ClientID     string
	Issuer       string
	TokenInfoURL string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// Google verifies Google tokens: ID tokens locally against the issuer's
// JWKS, opaque access tokens remotely against the tokeninfo endpoint.
type Google struct {
	cfg  GoogleConfig
	http *http.Client

	initOnce   sync.Once
	idVerifier *oidc.IDTokenVerifier
	initErr    error
}

func NewGoogle(cfg GoogleConfig) *Google {
	if cfg.Issuer == "" {
		cfg.Issuer = googleIssuer
	}
	if cfg.TokenInfoURL == "" {
		cfg.TokenInfoURL = googleTokenInfoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Google{
		cfg:  cfg,
		http: httpClient,
	}
}

func (g *Google) Provider() string {
	return "google"
}

// Verify routes by token shape: JWT-structured tokens go through OpenID
// Connect verification, everything else through tokeninfo.
func (g *Google) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	if looksLikeJWT(rawToken) {
		return g.verifyIDToken(ctx, rawToken)
	}
	return g.verifyAccessToken(ctx, rawToken)
}

func looksLikeJWT(rawToken string) bool {
	_, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	return err == nil
}

func (g *Google) verifyIDToken(ctx context.Context, rawToken string) (*Claims, error) {
	g.initOnce.Do(func() {
		discoveryCtx := oidc.ClientContext(ctx, g.http)
		provider, err := oidc.NewProvider(discoveryCtx, g.cfg.Issuer)
		if err != nil {
			g.initErr = fmt.Errorf("%w: oidc discovery: %v", ErrProviderUnavailable, err)
			return
		}

		oidcCfg := &oidc.Config{ClientID: g.cfg.ClientID}
		if g.cfg.ClientID == "" {
			oidcCfg.SkipClientIDCheck = true
		}
		g.idVerifier = provider.Verifier(oidcCfg)
	})
	if g.initErr != nil {
		return nil, g.initErr
	}

	idToken, err := g.idVerifier.Verify(oidc.ClientContext(ctx, g.http), rawToken)
	if err != nil {
		var expiredErr *oidc.TokenExpiredError
		if errors.As(err, &expiredErr) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	var payload struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if idToken.Subject == "" || payload.Email == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}

	return &Claims{
		Provider:           "google",
		SubjectID:          idToken.Subject,
		Email:              payload.Email,
		EmailVerified:      payload.EmailVerified,
		EmailVerifiedKnown: true,
		Name:               payload.Name,
		AvatarURL:          payload.Picture,
		ExpiresAt:          idToken.Expiry,
	}, nil
}

func (g *Google) verifyAccessToken(ctx context.Context, rawToken string) (*Claims, error) {
	endpoint := g.cfg.TokenInfoURL + "?access_token=" + url.QueryEscape(rawToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: tokeninfo status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: tokeninfo status %d", ErrTokenInvalid, resp.StatusCode)
	}

	var payload struct {
		Aud           string `json:"aud"`
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
		Exp           string `json:"exp"`
		Scope         string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if payload.Sub == "" || payload.Email == "" || payload.Exp == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}
	if g.cfg.ClientID != "" && payload.Aud != g.cfg.ClientID {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	expUnix, err := strconv.ParseInt(payload.Exp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid exp claim", ErrTokenInvalid)
	}
	expiresAt := time.Unix(expUnix, 0)
	if !expiresAt.After(time.Now()) {
		return nil, ErrTokenExpired
	}

	var scopes []string
	if payload.Scope != "" {
		scopes = strings.Fields(payload.Scope)
	}

	return &Claims{
		Provider:           "google",
		SubjectID:          payload.Sub,
		Email:              payload.Email,
		EmailVerified:      payload.EmailVerified == "true",
		EmailVerifiedKnown: payload.EmailVerified != "",
		Scopes:             scopes,
		ExpiresAt:          expiresAt,
	}, nil
}
