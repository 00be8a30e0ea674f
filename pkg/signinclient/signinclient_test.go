package signinclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, status int, body string, checkReq func(*testing.T, *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if checkReq != nil {
			checkReq(t, r)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestSignInAccepted(t *testing.T) {
	srv := newServer(t, http.StatusAccepted, "10.0.0.5:7070", func(t *testing.T, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "tok", r.Header.Get("Token"))
		assert.Equal(t, "my-name", r.Header.Get("Friendly-Name"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte{1, 2, 3}, body)
	})
	defer srv.Close()

	c := New()
	hostport, err := c.SignIn(srv.URL, "tok", "my-name", "", "", "", "", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:7070", hostport)
}

func TestSignInAlreadyReportedIsSuccess(t *testing.T) {
	srv := newServer(t, http.StatusAlreadyReported, "10.0.0.5:7070", nil)
	defer srv.Close()

	c := New()
	hostport, err := c.SignIn(srv.URL, "tok", "name", "", "", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:7070", hostport)
}

func TestSignInBadToken(t *testing.T) {
	srv := newServer(t, http.StatusUnauthorized, "", nil)
	defer srv.Close()

	_, err := New().SignIn(srv.URL, "bad", "name", "", "", "", "", nil)
	assert.Error(t, err)
}

func TestSignInKeyAlreadyTrusted(t *testing.T) {
	srv := newServer(t, http.StatusConflict, "", nil)
	defer srv.Close()

	_, err := New().SignIn(srv.URL, "tok", "name", "", "", "", "", nil)
	assert.Error(t, err)
}

func TestSignInMalformedRequest(t *testing.T) {
	srv := newServer(t, http.StatusBadRequest, "", nil)
	defer srv.Close()

	_, err := New().SignIn(srv.URL, "tok", "name", "bad-routes", "", "", "", nil)
	assert.Error(t, err)
}

func TestSignInUnexpectedStatus(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError, "boom", nil)
	defer srv.Close()

	_, err := New().SignIn(srv.URL, "tok", "name", "", "", "", "", nil)
	assert.Error(t, err)
}

func TestSignInAcceptedWithEmptyBodyFails(t *testing.T) {
	srv := newServer(t, http.StatusAccepted, "", nil)
	defer srv.Close()

	_, err := New().SignIn(srv.URL, "tok", "name", "", "", "", "", nil)
	assert.Error(t, err)
}
