package access

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
)

const defaultCredentialTTL = 5 * time.Minute

// Credential is a short-lived signed grant consumable by the media
// transport. It is never persisted.
type Credential struct {
	Token     string           `json:"token"`
	Identity  string           `json:"identity"`
	Role      domain.Role      `json:"role"`
	RoomID    string           `json:"roomId"`
	Geo       domain.GeoClaims `json:"geo"`
	IssuedAt  time.Time        `json:"issuedAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Issuer signs credentials with a shared HS256 secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl falls back to the default
// minutes-scale expiry.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue mints a credential from a gate authorization. The token carries
// the room identifier, never the storage event id.
func (i *Issuer) Issue(a Authorization) (Credential, error) {
	if len(i.secret) == 0 {
		return Credential{}, &domain.SigningError{Err: errors.New("signing secret not configured")}
	}
	issuedAt := i.now()
	expiresAt := issuedAt.Add(i.ttl)
	claims := jwt.MapClaims{
		"sub":  a.Identity,
		"role": string(a.Role),
		"room": a.RoomID,
		"iat":  issuedAt.Unix(),
		"exp":  expiresAt.Unix(),
	}
	if i.issuer != "" {
		claims["iss"] = i.issuer
	}
	if a.Geo.Country != "" {
		claims["country"] = a.Geo.Country
	}
	if a.Geo.State != "" {
		claims["state"] = a.Geo.State
	}
	if a.Geo.City != "" {
		claims["city"] = a.Geo.City
	}
	if a.Geo.Timezone != "" {
		claims["timezone"] = a.Geo.Timezone
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Credential{}, &domain.SigningError{Err: err}
	}
	return Credential{
		Token:     token,
		Identity:  a.Identity,
		Role:      a.Role,
		RoomID:    a.RoomID,
		Geo:       a.Geo,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
