package gateway

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/freva-org/freva-gateway/go/auth"
)

// handleWellKnown proxies the provider's discovery document, so
// clients configure themselves against this service alone.
func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	var disc, err = s.auth.Discovery(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(disc.Raw)
}

// handleLogin redirects the browser into the provider's authorization
// flow.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var disc, err = s.auth.Discovery(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	var redirectURI = r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = s.cfg.BaseURL + APIPrefix + "/auth/v2/callback"
	}
	var params = url.Values{
		"client_id":     {s.auth.ClientID()},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
		"redirect_uri":  {redirectURI},
		"state":         {uuid.NewString()},
		"nonce":         {uuid.NewString()},
	}
	http.Redirect(w, r, disc.AuthorizationEndpoint+"?"+params.Encode(),
		http.StatusTemporaryRedirect)
}

// handleCallback exchanges the authorization code for tokens.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var code = r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing authorization code")
		return
	}
	var redirectURI = r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = s.cfg.BaseURL + APIPrefix + "/auth/v2/callback"
	}
	s.proxyTokenRequest(w, r, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
}

// handleToken forwards a token grant to the provider, adding the
// client credentials. Code, refresh-token and device-code grants pass
// through unchanged.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid form body")
		return
	}
	var form = url.Values{}
	for key, values := range r.PostForm {
		form[key] = values
	}
	if form.Get("grant_type") == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing grant_type")
		return
	}
	s.proxyTokenRequest(w, r, form)
}

func (s *Server) proxyTokenRequest(w http.ResponseWriter, r *http.Request, form url.Values) {
	var disc, err = s.auth.Discovery(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	form.Set("client_id", s.auth.ClientID())
	if secret := s.auth.ClientSecret(); secret != "" {
		form.Set("client_secret", secret)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		disc.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		httpError(w, err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "identity provider unavailable")
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err = io.Copy(w, resp.Body); err != nil {
		log.WithField("err", err).Debug("failed to relay token response")
	}
}

// handleDevice starts a device authorization flow.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	var disc, err = s.auth.Discovery(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	if disc.DeviceEndpoint == "" {
		writeError(w, http.StatusNotFound, "provider offers no device flow")
		return
	}
	var form = url.Values{
		"client_id": {s.auth.ClientID()},
		"scope":     {"openid profile email"},
	}
	if secret := s.auth.ClientSecret(); secret != "" {
		form.Set("client_secret", secret)
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		disc.DeviceEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		httpError(w, err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "identity provider unavailable")
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleAuthStatus introspects the bearer token.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var out = map[string]any{
		"status":   "valid",
		"username": user.Username,
		"admin":    s.auth.IsAdmin(user),
	}
	if exp, eerr := user.Claims.GetExpirationTime(); eerr == nil && exp != nil {
		out["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUserinfo relays the provider's userinfo for the bearer.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	var token = auth.BearerToken(r)
	if token == "" {
		httpError(w, auth.ErrUnauthorized)
		return
	}
	var info, err = s.auth.Userinfo(r.Context(), token)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSystemUser resolves the bearer to the deployment's user name.
func (s *Server) handleSystemUser(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": user.Username})
}
