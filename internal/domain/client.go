package domain

import "time"

// Client represents an OAuth2/OIDC client registration.
type Client struct {
	ID            int64
	ClientID      string
	SecretHash    string
	Name          string
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	Scopes        []string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Public reports whether the client was registered without a secret.
func (c Client) Public() bool {
	return c.SecretHash == ""
}

// AllowsGrant checks grant type membership.
func (c Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsRedirectURI checks redirect URI membership (exact match).
func (c Client) AllowsRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is registered for the client.
func (c Client) AllowsScopes(requested []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range c.Scopes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
