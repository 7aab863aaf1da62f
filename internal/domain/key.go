package domain

import "time"

// SigningKey stores an asymmetric signing keypair. The private material is
// PEM-encoded PKCS#8; parsing is the key manager's concern.
type SigningKey struct {
	ID         int64
	KID        string
	Algorithm  string
	PrivatePEM []byte
	CreatedAt  time.Time
	RetiredAt  *time.Time
}

// Retired reports whether the key has been rotated out of signing duty.
// Retired keys stay valid for verification.
func (k SigningKey) Retired() bool {
	return k.RetiredAt != nil
}
