package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/domain"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

const defaultRemoteTimeout = 10 * time.Second

// RemoteProvider talks to a GoTrue-compatible hosted auth API. The session
// it obtains is kept in the given SessionStorage.
type RemoteProvider struct {
	baseURL string
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
	logger  *zap.Logger
	clock   clock.Clock
	holder  *sessionHolder
}

// RemoteOption customizes a RemoteProvider.
type RemoteOption func(*RemoteProvider)

// WithHTTPClient replaces the fasthttp client, e.g. to dial an in-memory listener.
func WithHTTPClient(client *fasthttp.Client) RemoteOption {
	return func(p *RemoteProvider) { p.client = client }
}

// WithTimeout bounds requests that carry no context deadline.
func WithTimeout(timeout time.Duration) RemoteOption {
	return func(p *RemoteProvider) { p.timeout = timeout }
}

// WithClock sets the clock used for session expiry.
func WithClock(clk clock.Clock) RemoteOption {
	return func(p *RemoteProvider) { p.clock = clk }
}

// NewRemoteProvider builds a client for the auth API at baseURL.
func NewRemoteProvider(baseURL, apiKey string, storage SessionStorage, logger *zap.Logger, opts ...RemoteOption) *RemoteProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &RemoteProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &fasthttp.Client{Name: "session-service"},
		timeout: defaultRemoteTimeout,
		logger:  logger,
		clock:   clock.Real(),
		holder:  newSessionHolder(storage),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type remoteUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

type remoteSession struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         *remoteUser `json:"user"`
}

type remoteError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e remoteError) text() string {
	for _, candidate := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func (p *RemoteProvider) CurrentSession(ctx context.Context) (*domain.ProviderSession, error) {
	session, err := p.holder.current(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.ExpiresAt.IsZero() && p.clock.Now().After(session.ExpiresAt) {
		return nil, nil
	}
	return session, nil
}

func (p *RemoteProvider) SignInWithPassword(ctx context.Context, email, password string) (*domain.ProviderSession, error) {
	var out remoteSession
	body := map[string]any{"email": strings.TrimSpace(email), "password": password}
	status, err := p.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &out)
	if err != nil {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, apperrors.NewInvalidCredentials(err)
		}
		return nil, err
	}
	return p.accept(ctx, domain.SessionSignedIn, &out)
}

func (p *RemoteProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.ProviderSession, error) {
	var out remoteSession
	body := map[string]any{"email": strings.TrimSpace(email), "password": password, "data": metadata}
	status, err := p.do(ctx, http.MethodPost, "/signup", "", body, &out)
	if err != nil {
		switch status {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return nil, apperrors.NewValidationError("validation failed: "+err.Error(), nil)
		case http.StatusConflict:
			return nil, apperrors.NewConflict("user already registered", nil)
		}
		return nil, err
	}
	if out.AccessToken == "" {
		// email confirmation flows return a bare user without a session
		return nil, apperrors.NewPendingApproval()
	}
	return p.accept(ctx, domain.SessionSignedIn, &out)
}

func (p *RemoteProvider) SignOut(ctx context.Context) error {
	session, err := p.holder.current(ctx)
	if err != nil || session == nil {
		return err
	}
	_, err = p.do(ctx, http.MethodPost, "/logout", session.AccessToken, nil, nil)
	// the stored session ends regardless of what the server says
	if storeErr := p.holder.set(ctx, domain.SessionSignedOut, nil); err == nil {
		err = storeErr
	}
	return err
}

func (p *RemoteProvider) OnSessionChange(fn func(domain.SessionEvent)) func() {
	return p.holder.subscribe(fn)
}

func (p *RemoteProvider) UpdateSessionMetadata(ctx context.Context, metadata map[string]any) (*domain.ProviderSession, error) {
	session, err := p.holder.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.NewUnauthorized("no active session")
	}
	var user remoteUser
	if _, err := p.do(ctx, http.MethodPut, "/user", session.AccessToken, map[string]any{"data": metadata}, &user); err != nil {
		return nil, err
	}
	session.Metadata = user.UserMetadata
	if user.Email != "" {
		session.EmailClaim = user.Email
	}
	if err := p.holder.set(ctx, domain.SessionUserUpdated, session); err != nil {
		return nil, err
	}
	return copySession(session), nil
}

func (p *RemoteProvider) Refresh(ctx context.Context) (*domain.ProviderSession, error) {
	session, err := p.holder.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || session.RefreshToken == "" {
		return nil, apperrors.NewUnauthorized("no active session")
	}
	var out remoteSession
	status, err := p.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", map[string]any{"refresh_token": session.RefreshToken}, &out)
	if err != nil {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			_ = p.holder.set(ctx, domain.SessionSignedOut, nil)
			return nil, apperrors.NewUnauthorized("session expired")
		}
		return nil, err
	}
	return p.accept(ctx, domain.SessionTokenRefreshed, &out)
}

func (p *RemoteProvider) accept(ctx context.Context, eventType domain.SessionEventType, out *remoteSession) (*domain.ProviderSession, error) {
	session := &domain.ProviderSession{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
	}
	claims, err := ExtractClaims(out.AccessToken)
	if err == nil {
		session.SubjectID = claims.Subject
		session.EmailClaim = claims.Email
		session.Metadata = claims.UserMetadata
		if claims.ExpiresAt != nil {
			session.ExpiresAt = claims.ExpiresAt.Time
		}
	} else {
		p.logger.Debug("access token is not a readable jwt", zap.Error(err))
	}
	if out.User != nil {
		session.SubjectID = out.User.ID
		session.EmailClaim = out.User.Email
		if out.User.UserMetadata != nil {
			session.Metadata = out.User.UserMetadata
		}
	}
	switch {
	case out.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(out.ExpiresAt, 0)
	case out.ExpiresIn > 0:
		session.ExpiresAt = p.clock.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	if session.SubjectID == "" {
		return nil, apperrors.NewBackendError("auth response carried no user", nil)
	}
	if err := p.holder.set(ctx, eventType, session); err != nil {
		return nil, err
	}
	return copySession(session), nil
}

// do performs one JSON request. The returned status is zero on transport errors.
func (p *RemoteProvider) do(ctx context.Context, method, path, bearer string, body, out any) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, apperrors.NewInternalError(err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	// network deadlines are wall-clock
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return 0, apperrors.NewNetworkError("auth request cancelled", err)
	}
	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, apperrors.NewNetworkError("auth service unreachable", err)
	}

	status := resp.StatusCode()
	if status >= http.StatusBadRequest {
		var remote remoteError
		_ = json.Unmarshal(resp.Body(), &remote)
		text := remote.text()
		if text == "" {
			text = http.StatusText(status)
		}
		if status >= http.StatusInternalServerError {
			return status, apperrors.NewBackendError("auth service failed", fmt.Errorf("%d: %s", status, text))
		}
		return status, errors.New(text)
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return status, apperrors.NewBackendError("malformed auth response", err)
		}
	}
	return status, nil
}
