package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/chat"
	"github.com/npezzotti/caresync-rtc/internal/config"
	"github.com/npezzotti/caresync-rtc/internal/database"
	"github.com/npezzotti/caresync-rtc/internal/server"
	"github.com/npezzotti/caresync-rtc/internal/signaling"
	"github.com/npezzotti/caresync-rtc/internal/stats"
	"github.com/npezzotti/caresync-rtc/internal/testutil"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"github.com/stretchr/testify/require"
)

const (
	patientP = "64b7f0c2a1b2c3d4e5f60001"
	patientQ = "64b7f0c2a1b2c3d4e5f60002"
	doctorD  = "64b7f0c2a1b2c3d4e5f60101"
	adminA   = "64b7f0c2a1b2c3d4e5f60f01"
)

var (
	testSigningKey = []byte("test-signing-key")

	idP     = types.Identity{UserId: patientP, Role: types.RolePatient}
	idQ     = types.Identity{UserId: patientQ, Role: types.RolePatient}
	idD     = types.Identity{UserId: doctorD, Role: types.RoleDoctor}
	idAdmin = types.Identity{UserId: adminA, Role: types.RoleAdmin}
)

func newTestApp(t *testing.T, store database.MessageStore) *App {
	t.Helper()

	logger := testutil.TestLogger(t)
	dir := server.NewDirectory(logger)
	chatSvc := chat.NewService(logger, store, dir, stats.NopStats{}, []types.Role{types.RolePatient})
	calls := signaling.NewService(logger, dir, stats.NopStats{}, signaling.Config{})
	cs := server.NewChatServer(logger, dir, chatSvc, calls, stats.NopStats{})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	return NewApp(http.NewServeMux(), logger, cs, chatSvc, store, &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

func mustToken(t *testing.T, id types.Identity) string {
	t.Helper()

	token, err := SignToken(testSigningKey, id, id.UserId+"@hospital.test", time.Hour)
	require.NoError(t, err)
	return token
}

func authorize(t *testing.T, r *http.Request, id types.Identity) *http.Request {
	r.Header.Set("Authorization", "Bearer "+mustToken(t, id))
	return r
}
