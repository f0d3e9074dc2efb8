package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/models"
	"kiroproxy/internal/utils"
)

// RefreshResult carries the replacement token pair from a successful refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // some endpoints rotate it; empty means keep the old one
	ExpiresAt    time.Time
	ProfileArn   string
}

// Refresher exchanges refresh tokens for fresh access tokens, dispatching by
// auth kind. At most one refresh is in flight per account; concurrent callers
// share the in-flight result.
type Refresher struct {
	client      *http.Client
	authBaseURL string // social refresh endpoint base
	oidcRegion  string // default SSO-OIDC region
	flight      singleflight.Group
	logger      *utils.Logger
}

// NewRefresher creates a refresher against the given endpoints.
func NewRefresher(authBaseURL, oidcRegion string) *Refresher {
	return &Refresher{
		client:      &http.Client{Timeout: 30 * time.Second},
		authBaseURL: strings.TrimRight(authBaseURL, "/"),
		oidcRegion:  oidcRegion,
		logger:      utils.NewLogger("refresher"),
	}
}

// Refresh obtains a new token pair for the account's credential. Concurrent
// calls for the same account coalesce into one upstream request. Failures are
// classified via apierr: InvalidRefreshToken means the credential is dead and
// the caller must mark the account Unhealthy; the other kinds leave status
// untouched.
func (r *Refresher) Refresh(ctx context.Context, account *models.Account) (*RefreshResult, error) {
	v, err, _ := r.flight.Do(account.ID, func() (interface{}, error) {
		return r.refreshOnce(ctx, &account.Credential)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RefreshResult), nil
}

func (r *Refresher) refreshOnce(ctx context.Context, cred *models.Credential) (*RefreshResult, error) {
	if cred.RefreshToken == "" {
		return nil, apierr.New(apierr.KindInvalidRefreshToken, "credential has no refresh token")
	}

	var (
		res *RefreshResult
		err error
	)
	switch cred.AuthKind {
	case models.AuthKindAwsBuilderID, models.AuthKindIdentityCenter:
		res, err = r.refreshSSOOIDC(ctx, cred)
	case models.AuthKindGoogle, models.AuthKindGitHub:
		res, err = r.refreshSocial(ctx, cred)
	default:
		return nil, apierr.New(apierr.KindInternal, "unknown auth kind %q", cred.AuthKind)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("Token refreshed", "kind", cred.AuthKind, "expires_at", res.ExpiresAt.Format(time.RFC3339))
	return res, nil
}

// refreshSSOOIDC refreshes Builder ID / Identity Center credentials through
// the regional SSO-OIDC token endpoint.
func (r *Refresher) refreshSSOOIDC(ctx context.Context, cred *models.Credential) (*RefreshResult, error) {
	region := cred.Region
	if region == "" {
		region = r.oidcRegion
	}
	endpoint := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, body)
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		// Snake-case variants used by the raw OAuth form of the endpoint.
		AccessTokenAlt string `json:"access_token"`
		ExpiresInAlt   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamServerError, err, "malformed refresh response")
	}
	if payload.AccessToken == "" {
		payload.AccessToken = payload.AccessTokenAlt
	}
	if payload.ExpiresIn == 0 {
		payload.ExpiresIn = payload.ExpiresInAlt
	}
	if payload.AccessToken == "" {
		return nil, apierr.New(apierr.KindUpstreamServerError, "refresh response missing access token")
	}
	return &RefreshResult{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// refreshSocial refreshes Google/GitHub credentials through the desktop OAuth
// refresh endpoint.
func (r *Refresher) refreshSocial(ctx context.Context, cred *models.Credential) (*RefreshResult, error) {
	endpoint := r.authBaseURL + "/refresh-token"

	reqBody, err := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to encode refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "failed to build refresh request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshStatus(resp.StatusCode, body)
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ExpiresAt    string `json:"expiresAt"`
		ProfileArn   string `json:"profileArn"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamServerError, err, "malformed refresh response")
	}
	if payload.AccessToken == "" {
		return nil, apierr.New(apierr.KindUpstreamServerError, "refresh response missing access token")
	}

	expiresAt := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	if payload.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.ExpiresAt); err == nil {
			expiresAt = t
		}
	}
	return &RefreshResult{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    expiresAt,
		ProfileArn:   payload.ProfileArn,
	}, nil
}

// classifyRefreshStatus maps a non-200 refresh response to an error kind.
// invalid_grant (or 400/401/403 generally) means the refresh token is dead.
func classifyRefreshStatus(status int, body []byte) error {
	bodyStr := string(body)
	switch {
	case strings.Contains(bodyStr, "invalid_grant"):
		return apierr.New(apierr.KindInvalidRefreshToken, "refresh token rejected: invalid_grant")
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.New(apierr.KindInvalidRefreshToken, "refresh rejected with status %d", status)
	case status == http.StatusTooManyRequests:
		return apierr.New(apierr.KindQuotaExceeded, "refresh endpoint rate limited")
	case status >= 500:
		return apierr.New(apierr.KindUpstreamServerError, "refresh endpoint returned %d", status)
	default:
		return apierr.New(apierr.KindUpstreamServerError, "unexpected refresh status %d", status)
	}
}

// classifyTransportError maps client-side failures to Network, keeping
// context cancellation distinct.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindClientCancelled, err, "refresh cancelled")
	}
	return apierr.Wrap(apierr.KindNetwork, err, "refresh transport failure")
}
