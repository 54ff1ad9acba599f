package authority

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/mmdatafocus/clearance_backend/faults"
	"golang.org/x/oauth2"
)

const defaultTokenLifetime = time.Hour

// tokenSource caches one bearer token. Refreshes are serialized by mu so
// concurrent callers share a single password-grant exchange.
type tokenSource struct {
	conf  oauth2.Config
	creds Credentials
	http  *http.Client
	now   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(tokenURL, clientID string, creds Credentials, httpClient *http.Client, now func() time.Time) *tokenSource {
	return &tokenSource{
		conf: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		creds: creds,
		http:  httpClient,
		now:   now,
	}
}

// Token returns the cached token, refreshing when it is absent or within the
// safety margin of expiry.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(tokenSafetyMargin).Before(s.expiresAt) {
		return s.token, nil
	}

	if s.creds.Username == "" || s.creds.Password == "" {
		return "", &faults.AuthorityError{Kind: faults.AuthorityAuthentication, Op: "Token", Message: "authority credentials are not configured"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	tok, err := s.conf.PasswordCredentialsToken(ctx, s.creds.Username, s.creds.Password)
	if err != nil {
		return "", tokenError(err)
	}
	if tok.AccessToken == "" {
		return "", &faults.AuthorityError{Kind: faults.AuthorityAuthentication, Op: "Token", Message: "no access token received"}
	}

	s.token = tok.AccessToken
	s.expiresAt = s.expiryOf(tok)
	return s.token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

func (s *tokenSource) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// expiryOf prefers expires_in, then the JWT exp claim, then one hour.
func (s *tokenSource) expiryOf(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if exp, ok := jwtExpiry(tok.AccessToken); ok {
		return exp
	}
	return s.now().Add(defaultTokenLifetime)
}

// jwtExpiry reads exp without verifying the signature; the token is only
// ever presented back to the issuer.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case int64:
		return time.Unix(exp, 0), true
	}
	return time.Time{}, false
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		kind := faults.AuthorityAuthentication
		if status >= 500 {
			kind = faults.AuthorityServer
		}
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if msg == "" {
			msg = "token request failed"
		}
		return &faults.AuthorityError{Kind: kind, Op: "Token", StatusCode: status, Code: re.ErrorCode, Message: msg, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &faults.AuthorityError{Kind: faults.AuthorityNetwork, Op: "Token", Message: err.Error(), Err: err}
	}
	return &faults.AuthorityError{Kind: faults.AuthorityAuthentication, Op: "Token", Message: err.Error(), Err: err}
}
