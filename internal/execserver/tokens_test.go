package execserver

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/backend"
)

func newTokenStore(t *testing.T) *TokenStore {
	t.Helper()
	s, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTokenStore_CreateAndValidate(t *testing.T) {
	s := newTokenStore(t)

	token, err := s.Create("ci", 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token.ID, tokenPrefix))
	require.Nil(t, token.ExpiresAt)

	validated, err := s.Validate(token.ID)
	require.NoError(t, err)
	require.Equal(t, "ci", validated.Name)

	tokens, err := s.List()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0].LastUsedAt, "validation records the use")
}

func TestTokenStore_Errors(t *testing.T) {
	s := newTokenStore(t)

	_, err := s.Validate("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate(tokenPrefix + "missing")
	require.ErrorIs(t, err, ErrTokenNotFound)

	_, err = s.Create("  ", 0)
	require.Error(t, err)

	expired, err := s.Create("short", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Validate(expired.ID)
	require.ErrorIs(t, err, ErrTokenExpired)

	require.ErrorIs(t, s.Revoke(tokenPrefix+"missing"), ErrTokenNotFound)
}

func TestTokenStore_Revoke(t *testing.T) {
	s := newTokenStore(t)

	token, err := s.Create("laptop", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(token.ID))

	_, err = s.Validate(token.ID)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMaskToken(t *testing.T) {
	require.Equal(t, "short", MaskToken("short"))
	masked := MaskToken(tokenPrefix + strings.Repeat("a", 60) + "wxyz")
	require.Equal(t, "tth_aaaaaaaa...wxyz", masked)
}

func TestServer_IssuedTokenAuth(t *testing.T) {
	tokens := newTokenStore(t)
	issued, err := tokens.Create("client", 0)
	require.NoError(t, err)

	env := newTestEnv(t, helloAgent(), ServerOptions{Tokens: tokens})
	ctx := context.Background()

	_, err = env.client.Start(ctx, &backend.StartRequest{Message: "hi"})
	var te *backend.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusUnauthorized, te.StatusCode)

	authed, err := backend.NewClient(backend.ClientOptions{
		BaseURL: env.server.URL,
		Header:  http.Header{"Authorization": []string{"Bearer " + issued.ID}},
	})
	require.NoError(t, err)
	_, err = authed.Start(ctx, &backend.StartRequest{Message: "hi"})
	require.NoError(t, err)

	require.NoError(t, tokens.Revoke(issued.ID))
	_, err = authed.Start(ctx, &backend.StartRequest{Message: "again"})
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusUnauthorized, te.StatusCode)
}
