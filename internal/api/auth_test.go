package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityFrom(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		identity types.Identity
		expected bool
	}{
		{
			name:     "no identity",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "identity set",
			ctx:      WithIdentity(context.Background(), idP),
			identity: idP,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := IdentityFrom(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected IdentityFrom to return %v", tc.expected)
			assert.Equal(t, tc.identity, id)
		})
	}
}

func Test_tokenFromRequest(t *testing.T) {
	tcases := []struct {
		name    string
		prepare func(r *http.Request)
		want    string
		wantErr bool
	}{
		{
			name:    "bearer header",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			want:    "abc",
		},
		{
			name:    "lower case scheme",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") },
			want:    "abc",
		},
		{
			name:    "basic auth rejected",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
			wantErr: true,
		},
		{
			name:    "cookie",
			prepare: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "from-cookie"}) },
			want:    "from-cookie",
		},
		{
			name: "query",
			prepare: func(r *http.Request) {
				q := r.URL.Query()
				q.Set(tokenQueryKey, "from-query")
				r.URL.RawQuery = q.Encode()
			},
			want: "from-query",
		},
		{
			name:    "none",
			prepare: func(r *http.Request) {},
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.prepare(r)

			got, err := tokenFromRequest(r)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVerifyToken(t *testing.T) {
	app := &App{signingKey: testSigningKey}

	t.Run("valid", func(t *testing.T) {
		id, err := app.verifyToken(mustToken(t, idD))
		require.NoError(t, err)
		assert.Equal(t, idD, id)
	})

	t.Run("upper case id", func(t *testing.T) {
		tok, err := SignToken(testSigningKey, types.Identity{UserId: strings.ToUpper(patientP), Role: types.RolePatient}, "", time.Hour)
		require.NoError(t, err)

		id, err := app.verifyToken(tok)
		require.NoError(t, err)
		assert.Equal(t, idP, id)
	})

	tcases := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name: "expired",
			token: func(t *testing.T) string {
				tok, err := SignToken(testSigningKey, idP, "", -time.Minute)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name: "wrong key",
			token: func(t *testing.T) string {
				tok, err := SignToken([]byte("other-key"), idP, "", time.Hour)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name: "unknown role",
			token: func(t *testing.T) string {
				tok, err := SignToken(testSigningKey, types.Identity{UserId: patientP, Role: "nurse"}, "", time.Hour)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name: "malformed id",
			token: func(t *testing.T) string {
				tok, err := SignToken(testSigningKey, types.Identity{UserId: "42", Role: types.RolePatient}, "", time.Hour)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name:  "garbage",
			token: func(t *testing.T) string { return "not.a.token" },
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := app.verifyToken(tc.token(t))
			assert.Error(t, err)
		})
	}
}
