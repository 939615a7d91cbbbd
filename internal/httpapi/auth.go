package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "shadowsync"

const (
	scopeRead   = "sync:read"
	scopeWrite  = "sync:write"
	scopeDetect = "sync:detect"
	scopeFiles  = "files:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// nameSet decodes either a JSON string array or a space separated string.
type nameSet map[string]struct{}

func (s *nameSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return err
		}
		names = strings.Fields(joined)
	}
	out := make(nameSet, len(names))
	for _, name := range names {
		if name != "" {
			out[name] = struct{}{}
		}
	}
	*s = out
	return nil
}

func (s nameSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return json.Marshal(names)
}

func (s nameSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

// tokenClaims are the HS256 bearer claims. Adapters lists the adapter names
// the token may address; "*" grants all of them.
type tokenClaims struct {
	jwt.RegisteredClaims
	AgentName string  `json:"agent_name"`
	Adapters  nameSet `json:"adapters"`
	Scopes    nameSet `json:"scopes"`
}

func (c *tokenClaims) allows(adapterName string) bool {
	return c.Adapters.has("*") || c.Adapters.has(adapterName)
}

func authorizeBearer(authHeader, jwtSecret, adapterName, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	claims, authErr := parseBearer(authHeader, jwtSecret, now)
	switch {
	case authErr != nil:
		return nil, authErr
	case adapterName != "" && !claims.allows(adapterName):
		return nil, forbidden("adapter not granted")
	case requiredScope != "" && !claims.Scopes.has(requiredScope):
		return nil, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, unauthorized("missing or invalid bearer token")
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, unauthorized(tokenFailure(err))
	}
	if claims.AgentName == "" {
		return nil, unauthorized("missing agent_name claim")
	}
	if len(claims.Adapters) == 0 {
		return nil, forbidden("no adapters granted")
	}
	if len(claims.Scopes) == 0 {
		return nil, forbidden("no scopes granted")
	}
	return claims, nil
}

func tokenFailure(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	}
	return "invalid bearer token"
}
