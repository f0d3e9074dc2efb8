package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AuthKind identifies the upstream identity provider that issued a credential.
// The set is fixed: refresh dispatch switches over it.
type AuthKind string

const (
	AuthKindGoogle         AuthKind = "google"
	AuthKindGitHub         AuthKind = "github"
	AuthKindAwsBuilderID   AuthKind = "aws-builder-id"
	AuthKindIdentityCenter AuthKind = "identity-center"
)

// Valid reports whether k is one of the four known auth kinds.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthKindGoogle, AuthKindGitHub, AuthKindAwsBuilderID, AuthKindIdentityCenter:
		return true
	}
	return false
}

// UsesSSOOIDC reports whether the credential refreshes through the SSO-OIDC
// token endpoint (Builder ID / Identity Center) rather than the social
// refresh endpoint.
func (k AuthKind) UsesSSOOIDC() bool {
	return k == AuthKindAwsBuilderID || k == AuthKindIdentityCenter
}

// Credential is one upstream identity. The refresh token is required for the
// lifetime of the credential; the access token and expiry are replaced
// together on every refresh.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AuthKind     AuthKind  `json:"auth_kind"`
	ClientIDHash string    `json:"client_id_hash"`
	IssuedAt     time.Time `json:"issued_at"`

	// SSO-OIDC client pair, required to refresh Builder ID / Identity Center
	// credentials. Empty for social kinds.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// ProfileArn is returned by the social refresh endpoint and echoed back
	// on chat requests for those kinds.
	ProfileArn string `json:"profile_arn,omitempty"`

	// Region selects the regional SSO-OIDC endpoint. Defaults to us-east-1.
	Region string `json:"region,omitempty"`
}

// CredentialID derives the stable account identifier from the token issuer
// and subject. The id survives refresh because neither input changes.
func CredentialID(issuer, subject string) string {
	sum := sha256.Sum256([]byte(issuer + "|" + subject))
	return hex.EncodeToString(sum[:16])
}

// ExpiresWithin reports whether the access token expires within d of now.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.Sub(now) < d
}

// fingerprintBucket is the rotation period of the machine fingerprint.
// Rotating faster invites upstream distrust; never rotating invites blocking.
const fingerprintBucket = 24 * time.Hour

// Fingerprint derives the per-account machine fingerprint for the given
// instant: a 128-bit hash of the account id and the current day bucket,
// rendered as lowercase hex. It must be recomputed per request and never
// cached across buckets.
func Fingerprint(accountID string, now time.Time) string {
	bucket := now.Unix() / int64(fingerprintBucket/time.Second)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", accountID, bucket)))
	return hex.EncodeToString(sum[:16])
}
