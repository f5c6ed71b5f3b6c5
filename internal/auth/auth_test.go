package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eco-arena-server/internal/model"
	"eco-arena-server/internal/repository"
)

type fakeDevices struct {
	byHash map[string]*model.Device
}

func (f *fakeDevices) GetByKeyHash(_ context.Context, keyHash string) (*model.Device, error) {
	d, ok := f.byHash[keyHash]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	return d, nil
}

func TestUserTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", time.Hour, nil)

	token := a.TokenForUser("user-1")
	require.NotEmpty(t, token)

	sub, err := a.ParseUserToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestParseUserToken_Invalid(t *testing.T) {
	a := NewAuthenticator("secret", time.Hour, nil)
	other := NewAuthenticator("different-secret", time.Hour, nil)

	valid := a.TokenForUser("user-1")
	parts := strings.Split(valid, ".")
	require.Len(t, parts, 3)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"two segments", parts[0] + "." + parts[1]},
		{"tampered payload", parts[0] + ".eyJzdWIiOiJ1c2VyLTIifQ." + parts[2]},
		{"wrong key", other.TokenForUser("user-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseUserToken(tt.token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestParseUserToken_Expired(t *testing.T) {
	a := NewAuthenticator("secret", time.Hour, nil)

	// A correctly signed token whose expiry is in the past.
	hdr := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	b, err := json.Marshal(claims{Sub: "user-1", Exp: time.Now().Add(-time.Minute).Unix(), Typ: "access"})
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(b)
	token := hdr + "." + payload + "." + a.sign(hdr+"."+payload)

	_, err = a.ParseUserToken(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateDevice(t *testing.T) {
	devices := &fakeDevices{byHash: map[string]*model.Device{
		HashKey("scanner-key"): {ID: "dev-1", Capability: model.CapabilityScanner},
		HashKey("sensor-key"):  {ID: "dev-2", Capability: model.CapabilitySensor},
	}}
	a := NewAuthenticator("secret", time.Hour, devices)
	ctx := context.Background()

	d, err := a.AuthenticateDevice(ctx, "scanner-key")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", d.ID)

	_, err = a.AuthenticateDevice(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.AuthenticateDevice(ctx, "wrong-key")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRequireCapability(t *testing.T) {
	scanner := &model.Device{ID: "dev-1", Capability: model.CapabilityScanner}

	assert.NoError(t, RequireCapability(scanner, model.CapabilityScanner))
	assert.ErrorIs(t, RequireCapability(scanner, model.CapabilitySensor), ErrForbidden)
}

func TestHashKey(t *testing.T) {
	assert.Equal(t, HashKey("key"), HashKey("key"))
	assert.NotEqual(t, HashKey("key"), HashKey("other"))
	assert.Len(t, HashKey("key"), 64)
}
