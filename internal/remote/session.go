package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xelth-com/ecosyncgo/internal/apierror"
	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

// ErrNoRefreshToken is returned by Refresh when there is nothing to refresh with
var ErrNoRefreshToken = errors.New("no refresh token")

// SessionManager holds the signed-in session and refreshes it against the token endpoint
type SessionManager struct {
	mu           sync.RWMutex
	session      *models.Session
	refreshToken string

	tokenURL string
	apiKey   string
	http     *http.Client
}

// NewSessionManager creates a session manager, signed in when the config carries tokens
func NewSessionManager(cfg config.RemoteConfig, httpClient *http.Client) (*SessionManager, error) {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.RequestTimeout)
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" && cfg.BaseURL != "" {
		tokenURL = cfg.BaseURL + "/auth/v1/token"
	}

	sm := &SessionManager{tokenURL: tokenURL, apiKey: cfg.APIKey, http: httpClient}
	if cfg.AccessToken != "" || cfg.RefreshToken != "" {
		if err := sm.SignIn(cfg.AccessToken, cfg.RefreshToken); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

// SessionFromToken reads user id and expiry from an access token's claims.
// The signature is the backend's business; only the claims are needed here.
func SessionFromToken(accessToken string) (*models.Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("parse access token subject: %w", err)
	}
	session := &models.Session{UserID: sub, AccessToken: accessToken}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("parse access token expiry: %w", err)
	}
	if exp != nil {
		session.ExpiresAt = exp.Time.UTC()
	}
	return session, nil
}

// SignIn installs tokens obtained by the sign-in flow. An empty access token
// leaves only the refresh token; the first sync will refresh.
func (sm *SessionManager) SignIn(accessToken, refreshToken string) error {
	var session *models.Session
	if accessToken != "" {
		s, err := SessionFromToken(accessToken)
		if err != nil {
			return err
		}
		session = s
	} else {
		// expired placeholder forces a refresh before first use
		session = &models.Session{ExpiresAt: time.Unix(1, 0).UTC()}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.session = session
	sm.refreshToken = refreshToken
	return nil
}

// SignOut forgets the session
func (sm *SessionManager) SignOut() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.session = nil
	sm.refreshToken = ""
}

// CurrentSession returns a copy of the session, nil when nobody is signed in
func (sm *SessionManager) CurrentSession(ctx context.Context) (*models.Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.session == nil {
		return nil, nil
	}
	s := *sm.session
	return &s, nil
}

// AccessToken returns the bearer token for backend calls
func (sm *SessionManager) AccessToken(ctx context.Context) (string, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.session == nil || sm.session.AccessToken == "" {
		return "", apierror.ErrUnauthorized
	}
	return sm.session.AccessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// Refresh exchanges the refresh token for a new session. A rejected refresh
// token signs the user out.
func (sm *SessionManager) Refresh(ctx context.Context) (*models.Session, error) {
	sm.mu.RLock()
	refreshToken := sm.refreshToken
	sm.mu.RUnlock()
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if sm.tokenURL == "" {
		return nil, fmt.Errorf("refresh session: no token endpoint configured")
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sm.tokenURL+"?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sm.apiKey != "" {
		req.Header.Set("apikey", sm.apiKey)
	}

	resp, err := sm.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &apierror.StatusError{Op: "refresh session", StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			logger.Component("remote").WithField("status", resp.StatusCode).Warn("Refresh token rejected, signing out")
			sm.SignOut()
			return nil, fmt.Errorf("%w: %v", apierror.ErrUnauthorized, statusErr)
		}
		return nil, statusErr
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("refresh session: decode response: %w", err)
	}

	session, err := SessionFromToken(tr.AccessToken)
	if err != nil {
		return nil, err
	}
	if session.UserID == "" {
		session.UserID = tr.User.ID
	}
	if session.ExpiresAt.IsZero() && tr.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	sm.mu.Lock()
	sm.session = session
	if tr.RefreshToken != "" {
		sm.refreshToken = tr.RefreshToken
	}
	sm.mu.Unlock()

	logger.Component("remote").WithField("expires_at", session.ExpiresAt).Info("Session refreshed")
	out := *session
	return &out, nil
}
