package gcp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymatsuda/drive-triage/internal/models"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes
}

func TestTokenBrokerExchangeAndAssertion(t *testing.T) {
	key, pemBytes := testKeyPEM(t)

	var gotAssertion, gotGrantType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrantType = r.PostFormValue("grant_type")
		gotAssertion = r.PostFormValue("assertion")
		fmt.Fprint(w, `{"access_token": "tok-1", "expires_in": 3600}`)
	}))
	defer srv.Close()

	broker, err := NewTokenBroker(pemBytes, srv.URL)
	require.NoError(t, err)

	id := Identity{ClientEmail: "scanner@example.iam.gserviceaccount.com", Scope: "https://www.googleapis.com/auth/drive"}
	bearer, err := broker.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", bearer)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", gotGrantType)

	// The assertion must be a valid RS256 JWT with the time-bound claim set.
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(gotAssertion, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, id.ClientEmail, claims["iss"])
	assert.Equal(t, id.Scope, claims["scope"])
	assert.Equal(t, srv.URL, claims["aud"])
	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	assert.Equal(t, int64(3600), exp-iat)
}

func TestTokenBrokerCachesPerIdentity(t *testing.T) {
	_, pemBytes := testKeyPEM(t)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprintf(w, `{"access_token": "tok-%d", "expires_in": 3600}`, hits)
	}))
	defer srv.Close()

	broker, err := NewTokenBroker(pemBytes, srv.URL)
	require.NoError(t, err)

	id := Identity{ClientEmail: "a@example.com", Scope: "scope-a"}
	first, err := broker.GetToken(context.Background(), id)
	require.NoError(t, err)
	second, err := broker.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, hits, "second call within TTL must reuse the cached token")

	other := Identity{ClientEmail: "b@example.com", Scope: "scope-a"}
	_, err = broker.GetToken(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, hits, "cache is keyed by identity")
}

func TestTokenBrokerExpiryAndInvalidate(t *testing.T) {
	_, pemBytes := testKeyPEM(t)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprintf(w, `{"access_token": "tok-%d", "expires_in": 3600}`, hits)
	}))
	defer srv.Close()

	broker, err := NewTokenBroker(pemBytes, srv.URL)
	require.NoError(t, err)

	now := time.Now()
	broker.now = func() time.Time { return now }

	id := Identity{ClientEmail: "a@example.com", Scope: "s"}
	_, err = broker.GetToken(context.Background(), id)
	require.NoError(t, err)

	// 54 minutes in: still cached (lifetime is 60 minus a 5 minute margin).
	now = now.Add(54 * time.Minute)
	_, err = broker.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	// Past the shaved lifetime: a fresh exchange happens.
	now = now.Add(2 * time.Minute)
	tok, err := broker.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, hits)

	// A caller that saw a 401 invalidates; the next call re-exchanges.
	broker.Invalidate(id)
	_, err = broker.GetToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, hits)
}

func TestTokenBrokerRejectionIsCredentialError(t *testing.T) {
	_, pemBytes := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	broker, err := NewTokenBroker(pemBytes, srv.URL)
	require.NoError(t, err)

	_, err = broker.GetToken(context.Background(), Identity{ClientEmail: "a@example.com", Scope: "s"})
	var credErr *models.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Contains(t, credErr.Error(), "invalid_grant")
}

func TestTokenBrokerMissingTokenField(t *testing.T) {
	_, pemBytes := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_in": 3600}`)
	}))
	defer srv.Close()

	broker, err := NewTokenBroker(pemBytes, srv.URL)
	require.NoError(t, err)

	_, err = broker.GetToken(context.Background(), Identity{ClientEmail: "a@example.com", Scope: "s"})
	var credErr *models.CredentialError
	require.ErrorAs(t, err, &credErr)
}

func TestTokenBrokerBadKey(t *testing.T) {
	_, err := NewTokenBroker([]byte("not a key"), "")
	assert.Error(t, err)
}
