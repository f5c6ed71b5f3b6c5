// Package auth implements the identity collaborator: HMAC-signed user
// tokens and API-key device credentials carrying a capability.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"eco-arena-server/internal/model"
	"eco-arena-server/internal/repository"
)

// Identity errors.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type claims struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
	Typ string `json:"typ"`
}

// DeviceDirectory resolves device credentials.
type DeviceDirectory interface {
	GetByKeyHash(ctx context.Context, keyHash string) (*model.Device, error)
}

// Authenticator validates user and device credentials.
type Authenticator struct {
	secret  []byte
	ttl     time.Duration
	devices DeviceDirectory
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret string, ttl time.Duration, devices DeviceDirectory) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, devices: devices}
}

func (a *Authenticator) sign(payload string) string {
	h := hmac.New(sha256.New, a.secret)
	_, _ = h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// TokenForUser mints an access token for a user id.
func (a *Authenticator) TokenForUser(userID string) string {
	hdr := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	cl := claims{Sub: userID, Exp: time.Now().Add(a.ttl).Unix(), Typ: "access"}
	b, _ := json.Marshal(cl)
	payload := base64.RawURLEncoding.EncodeToString(b)
	sig := a.sign(hdr + "." + payload)
	return hdr + "." + payload + "." + sig
}

// ParseUserToken validates a token and returns the user id it carries.
func (a *Authenticator) ParseUserToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrUnauthenticated
	}
	expected := a.sign(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", ErrUnauthenticated
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrUnauthenticated
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", ErrUnauthenticated
	}
	if c.Exp < time.Now().Unix() || c.Sub == "" {
		return "", ErrUnauthenticated
	}
	return c.Sub, nil
}

// HashKey derives the stored hash for a device API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// AuthenticateDevice resolves a device API key to the registered device.
func (a *Authenticator) AuthenticateDevice(ctx context.Context, apiKey string) (*model.Device, error) {
	if apiKey == "" {
		return nil, ErrUnauthenticated
	}
	d, err := a.devices.GetByKeyHash(ctx, HashKey(apiKey))
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return d, nil
}

// RequireCapability checks that the device may perform the operation.
func RequireCapability(d *model.Device, capability model.DeviceCapability) error {
	if d.Capability != capability {
		return ErrForbidden
	}
	return nil
}
