package epic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthGateway is the seam between the service and Epic's OAuth endpoints.
type AuthGateway interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// TokenGrant is a successful response from the token endpoint. RefreshToken
// is empty when Epic does not rotate it.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	PatientID    string `json:"patient"`
}

// ExpiresAt converts the relative expires_in into an absolute UTC instant.
func (g *TokenGrant) ExpiresAt(now time.Time) time.Time {
	return now.UTC().Add(time.Duration(g.ExpiresIn) * time.Second)
}

// OAuthClient talks to a SMART-on-FHIR authorization server.
type OAuthClient struct {
	ClientID     string
	RedirectURI  string
	Scopes       []string
	AuthorizeEnd string
	TokenEnd     string
	FHIRBaseURL  string

	HTTP *http.Client
}

func NewOAuthClient(clientID, redirectURI string, scopes []string, authorizeEnd, tokenEnd, fhirBaseURL string) *OAuthClient {
	return &OAuthClient{
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		Scopes:       scopes,
		AuthorizeEnd: authorizeEnd,
		TokenEnd:     tokenEnd,
		FHIRBaseURL:  fhirBaseURL,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthorizeURL builds the SMART authorize redirect. The aud parameter names
// the FHIR server the eventual access token must be valid for.
func (c *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("scope", strings.Join(c.Scopes, " "))
	q.Set("state", state)
	q.Set("aud", c.FHIRBaseURL)
	return c.AuthorizeEnd + "?" + q.Encode()
}

func (c *OAuthClient) Exchange(ctx context.Context, code string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.RedirectURI)
	form.Set("client_id", c.ClientID)

	grant, status, body, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, &TokenExchangeError{Status: status, Body: body}
	}
	return grant, nil
}

func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.ClientID)

	grant, status, body, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, &RefreshFailedError{Status: status, Body: body}
	}
	return grant, nil
}

// post form-encodes a token request. A nil grant with no error means the
// endpoint answered outside 2xx; callers wrap the status and body into
// their grant-specific error type.
func (c *OAuthClient) post(ctx context.Context, form url.Values) (*TokenGrant, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenEnd, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, string(body), nil
	}

	var grant TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, 0, "", err
	}
	return &grant, resp.StatusCode, "", nil
}
