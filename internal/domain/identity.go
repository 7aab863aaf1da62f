package domain

// IdentityKind distinguishes user and machine identities.
type IdentityKind string

const (
	// IdentityUser marks identities backed by a user account.
	IdentityUser IdentityKind = "user"
	// IdentityClient marks identities backed by an OAuth client (client_credentials).
	IdentityClient IdentityKind = "client"
)

// Identity is the outcome of a successful credential verification.
type Identity struct {
	Kind     IdentityKind
	Subject  string
	UserID   int64
	ClientID string
	Email    string
	Name     string
	Scopes   []string
	// Method names the credential driver that produced the identity.
	Method string
}

// HasScope checks scope membership on the identity.
func (i *Identity) HasScope(scope string) bool {
	if i == nil {
		return false
	}
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
