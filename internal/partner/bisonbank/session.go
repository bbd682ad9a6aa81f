package bisonbank

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/example/fundgate/internal/partner"
)

const (
	tokenScope         = "payment transfer account"
	defaultTokenExpiry = 3600
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// session holds the client-credentials bearer token. The mutex covers the
// whole check-then-fetch so concurrent callers share one token request.
type session struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (s *session) invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = ""
	}
}

// bearer returns the current token, fetching one when none is held or the
// held one has passed its stated lifetime.
func (a *Adapter) bearer(ctx context.Context, force bool) (string, partner.Result) {
	a.session.mu.Lock()
	defer a.session.mu.Unlock()

	if !force && a.session.token != "" && a.now().Before(a.session.expiresAt) {
		return a.session.token, partner.Result{Success: true, Partner: Name}
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {tokenScope},
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.clientID + ":" + a.clientSecret))
	res := a.client.Do(ctx, partner.Request{
		Method: http.MethodPost,
		Path:   "/oauth/token",
		Headers: http.Header{
			"Content-Type":  {"application/x-www-form-urlencoded"},
			"Authorization": {"Basic " + basic},
		},
		Body: []byte(form.Encode()),
	})
	tok, res := partner.Decode[tokenResponse](res)
	if !res.Success {
		a.logger.Error("bison_auth_failed", "kind", res.Kind, "status", res.Status)
		return "", res
	}
	if tok.AccessToken == "" {
		return "", partner.Fail(Name, partner.Kind4xx, res.Status, "Authentication failed")
	}

	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultTokenExpiry
	}
	a.session.token = tok.AccessToken
	a.session.expiresAt = a.now().Add(time.Duration(expiresIn) * time.Second)
	return tok.AccessToken, res
}

// call sends req with a bearer token. A 401 drops the token, fetches a new
// one and replays the request exactly once.
func (a *Adapter) call(ctx context.Context, req partner.Request) partner.Result {
	token, res := a.bearer(ctx, false)
	if !res.Success {
		return res
	}

	res = a.client.Do(ctx, withBearer(req, token))
	if res.Status != http.StatusUnauthorized {
		return res
	}

	a.session.invalidate(token)
	token, authRes := a.bearer(ctx, false)
	if !authRes.Success {
		return authRes
	}
	return a.client.Do(ctx, withBearer(req, token))
}

func withBearer(req partner.Request, token string) partner.Request {
	h := req.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+token)
	req.Headers = h
	return req
}
