package camera

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigestChallenge(t *testing.T) {
	ch, err := parseDigestChallenge(`Digest realm="IP Camera", nonce="abc123", qop="auth"`)
	require.NoError(t, err)
	assert.Equal(t, "IP Camera", ch.realm)
	assert.Equal(t, "abc123", ch.nonce)
	assert.Equal(t, "auth", ch.qop)
}

func TestParseDigestChallengeDefaultsQop(t *testing.T) {
	ch, err := parseDigestChallenge(`Digest realm="cam", nonce="n1"`)
	require.NoError(t, err)
	assert.Equal(t, "auth", ch.qop)
}

func TestParseDigestChallengeRejectsBasic(t *testing.T) {
	_, err := parseDigestChallenge(`Basic realm="cam"`)
	assert.Error(t, err)
}

func TestGetWithDigestHandshake(t *testing.T) {
	const nonce = "deadbeef"
	var sawAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm="cam", nonce="%s", qop="auth"`, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sawAuth = auth
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer srv.Close()

	resp, err := getWithDigest(srv.Client(), srv.URL+"/snapshot", "admin", "secret")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotEmpty(t, sawAuth)
	assert.True(t, strings.HasPrefix(sawAuth, "Digest "))
	assert.Contains(t, sawAuth, `username="admin"`)
	assert.Contains(t, sawAuth, fmt.Sprintf(`nonce="%s"`, nonce))
	assert.Contains(t, sawAuth, `uri="/snapshot"`)
	assert.Contains(t, sawAuth, "qop=auth")
}

func TestGetWithDigestPassesThroughOtherStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := getWithDigest(srv.Client(), srv.URL, "u", "p")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
