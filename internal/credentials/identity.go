// Package credentials obtains an Earthdata identity and exchanges it for
// short-lived, provider-scoped S3 credentials.
package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Strategy selects how the service authenticates.
type Strategy string

const (
	// StrategyEnvironment reads an Earthdata token or username/password.
	StrategyEnvironment Strategy = "environment"
	// StrategyIAM relies on the ambient AWS role; there is no Earthdata identity.
	StrategyIAM Strategy = "iam"
)

// Environment variable names read by the environment strategy.
const (
	EnvToken    = "EARTHDATA_TOKEN"
	EnvUsername = "EARTHDATA_USERNAME"
	EnvPassword = "EARTHDATA_PASSWORD"
)

// DefaultTrustedDomains are the data hosts that receive the Earthdata
// identity, together with their subdomains.
var DefaultTrustedDomains = []string{"earthdata.nasa.gov", "earthdatacloud.nasa.gov", "asf.alaska.edu"}

// TrustedHost reports whether host is one of domains or a subdomain of one.
func TrustedHost(host string, domains []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range domains {
		d = strings.ToLower(strings.Trim(d, ". "))
		if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
			return true
		}
	}
	return false
}

// ErrNoCredentials is returned when the environment strategy finds nothing to log in with.
var ErrNoCredentials = errors.New("no Earthdata credentials in environment")

// Identity is an authenticated Earthdata login. It is safe for concurrent use.
type Identity struct {
	token    string
	username string
	password string
}

// NewTokenIdentity creates an identity from a bearer token.
func NewTokenIdentity(token string) *Identity {
	return &Identity{token: token}
}

// Login establishes the service identity. getenv is typically os.Getenv.
// The iam strategy returns a nil identity.
func Login(strategy Strategy, getenv func(string) string) (*Identity, error) {
	switch strategy {
	case StrategyIAM:
		return nil, nil
	case StrategyEnvironment:
		if token := getenv(EnvToken); token != "" {
			return &Identity{token: token}, nil
		}
		user, pass := getenv(EnvUsername), getenv(EnvPassword)
		if user != "" && pass != "" {
			return &Identity{username: user, password: pass}, nil
		}
		return nil, fmt.Errorf("%w: set %s or %s/%s", ErrNoCredentials, EnvToken, EnvUsername, EnvPassword)
	}
	return nil, fmt.Errorf("unknown auth strategy %q", strategy)
}

// Authorize attaches the identity to an outgoing request.
func (i *Identity) Authorize(req *http.Request) {
	if i == nil {
		return
	}
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
		return
	}
	req.SetBasicAuth(i.username, i.password)
}

// Fingerprint identifies the identity in cache keys without exposing secrets.
func (i *Identity) Fingerprint() string {
	if i == nil {
		return "anonymous"
	}
	secret := i.token
	if secret == "" {
		secret = i.username + ":" + i.password
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:16]
}
