package authboundary_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/authboundary"
)

func TestStaticAuthReturnsFixedURLAndToken(t *testing.T) {
	auth := authboundary.StaticAuth("ws://localhost:8080/workspaces/w1/sync", "tok123")
	url, token, err := auth(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/workspaces/w1/sync", url)
	assert.Equal(t, "tok123", token)
}

func TestJWTAuthMintsVerifiableToken(t *testing.T) {
	j := authboundary.NewJWTAuth([]byte("secret"), "wss://sync.example.com")
	url, token, err := j.Auth(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/workspaces/ws1/sync", url)
	require.NotEmpty(t, token)

	sub, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ws1", sub)
}

func TestJWTAuthVerifyRejectsExpiredToken(t *testing.T) {
	j := authboundary.NewJWTAuth([]byte("secret"), "wss://sync.example.com", authboundary.WithTTL(-time.Minute))
	_, token, err := j.Auth(context.Background(), "ws1")
	require.NoError(t, err)

	_, err = j.Verify(token)
	assert.Error(t, err)
}

func TestJWTAuthVerifyRejectsWrongSecret(t *testing.T) {
	signer := authboundary.NewJWTAuth([]byte("secret-a"), "wss://sync.example.com")
	verifier := authboundary.NewJWTAuth([]byte("secret-b"), "wss://sync.example.com")

	_, token, err := signer.Auth(context.Background(), "ws1")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestJWTAuthVerifyChecksIssuerWhenConfigured(t *testing.T) {
	signer := authboundary.NewJWTAuth([]byte("secret"), "wss://sync.example.com", authboundary.WithIssuer("engine-a"))
	verifier := authboundary.NewJWTAuth([]byte("secret"), "wss://sync.example.com", authboundary.WithIssuer("engine-b"))

	_, token, err := signer.Auth(context.Background(), "ws1")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}
