package pservice_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-systems/plan-keyagent/agent"
	"github.com/plan-systems/plan-keyagent/auth"
	"github.com/plan-systems/plan-keyagent/client"
	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/keystore"
	"github.com/plan-systems/plan-keyagent/pservice"
	"github.com/plan-systems/plan-keyagent/ski"
)

const testPass = "open sesame"

// shortTempDir keeps socket paths under the unix socket path limit.
func shortTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "ka")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startService(t *testing.T, tweak func(*pservice.Config)) *pservice.Service {
	t.Helper()
	dir := shortTempDir(t)

	params := ski.KDFParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}
	st, err := keystore.Init(filepath.Join(dir, "keys.db"), []byte(testPass), params, ctx.NewLogger("keystore"))
	require.NoError(t, err)

	cfg := pservice.DefaultConfig(filepath.Join(dir, "agent.sock"))
	cfg.SweepInterval = 10 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}

	svc := pservice.NewService(cfg, agent.Deps{
		Store: st,
		Auth:  auth.New(st, auth.Config{MaxFailures: 3, AttemptsPerSecond: 1000, Burst: 100}),
	})
	require.NoError(t, svc.Start())

	t.Cleanup(func() {
		stopService(svc)
		st.Close()
	})
	return svc
}

func stopService(svc *pservice.Service) {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	svc.CtxStop("test done", wg)
	wg.Wait()
}

func dial(t *testing.T, svc *pservice.Service) *client.Client {
	t.Helper()
	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cl, err := client.Dial(dialCtx, svc.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestServiceScenario(t *testing.T) {
	svc := startService(t, nil)
	bg := context.Background()

	fi, err := os.Lstat(svc.SocketPath())
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	cl := dial(t, svc)
	assert.NotEmpty(t, cl.SessionID())

	_, err = cl.List(bg)
	assert.True(t, ski.IsError(err, ski.ErrCode_NotAuthenticated))

	err = cl.Authenticate(bg, []byte("wrong"))
	assert.True(t, ski.IsError(err, ski.ErrCode_AuthenticationFailed))
	assert.Equal(t, 1, cl.FailureCount())

	require.NoError(t, cl.Authenticate(bg, []byte(testPass)))
	assert.Equal(t, "Authenticated", cl.State())

	keyID, err := cl.Generate(bg, "box1", "u", "h", 22)
	require.NoError(t, err)

	rec, err := cl.Get(bg, "box1")
	require.NoError(t, err)
	assert.Equal(t, keyID, rec.Fingerprint)
	assert.Equal(t, "u", rec.User)
	assert.Equal(t, "h", rec.Host)
	assert.Equal(t, 22, rec.Port)

	_, err = cl.Generate(bg, "box1", "u", "h", 22)
	assert.True(t, ski.IsError(err, ski.ErrCode_DuplicateNickname))

	recs, err := cl.List(bg)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "box1", recs[0].Nickname)

	_, err = cl.Confirm(bg, "box1", []byte("data"), "test")
	assert.True(t, ski.IsError(err, ski.ErrCode_ConfirmationDenied))

	removed, err := cl.Delete(bg, "box1")
	require.NoError(t, err)
	assert.True(t, removed)

	recs, err = cl.List(bg)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestServiceThresholdCloses(t *testing.T) {
	svc := startService(t, nil)
	bg := context.Background()
	cl := dial(t, svc)

	for i := 0; i < 3; i++ {
		err := cl.Authenticate(bg, []byte("wrong"))
		assert.True(t, ski.IsError(err, ski.ErrCode_AuthenticationFailed))
	}
	assert.Equal(t, "Closed", cl.State())

	err := cl.Authenticate(bg, []byte(testPass))
	assert.True(t, ski.IsError(err, ski.ErrCode_SessionClosed))

	assert.Eventually(t, func() bool {
		return svc.Sessions().Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServiceAuthTimeout(t *testing.T) {
	svc := startService(t, func(cfg *pservice.Config) {
		cfg.AuthTimeout = 50 * time.Millisecond
	})
	cl := dial(t, svc)

	require.Eventually(t, func() bool {
		return svc.Sessions().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	err := cl.Authenticate(context.Background(), []byte(testPass))
	assert.True(t, ski.IsError(err, ski.ErrCode_SessionClosed))
}

func TestServiceMaxSessions(t *testing.T) {
	svc := startService(t, func(cfg *pservice.Config) {
		cfg.MaxSessions = 1
	})
	dial(t, svc)

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(dialCtx, svc.SocketPath())
	assert.True(t, ski.IsError(err, ski.ErrCode_TooManySessions), "got %v", err)
}

func TestServiceIndependentSessions(t *testing.T) {
	svc := startService(t, nil)
	bg := context.Background()

	a := dial(t, svc)
	b := dial(t, svc)
	assert.NotEqual(t, a.SessionID(), b.SessionID())

	require.NoError(t, a.Authenticate(bg, []byte(testPass)))

	_, err := b.List(bg)
	assert.True(t, ski.IsError(err, ski.ErrCode_NotAuthenticated))
	assert.Equal(t, 2, svc.Sessions().Len())
}

func TestServiceStopEndsSessions(t *testing.T) {
	svc := startService(t, func(cfg *pservice.Config) {
		cfg.ShutdownGrace = time.Second
	})
	bg := context.Background()
	cl := dial(t, svc)
	require.NoError(t, cl.Authenticate(bg, []byte(testPass)))

	socketPath := svc.SocketPath()
	stopService(svc)

	_, err := cl.List(bg)
	assert.True(t, ski.IsError(err, ski.ErrCode_SessionClosed))

	_, err = os.Lstat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket removed")
}

func TestServiceSocketChecks(t *testing.T) {
	dir := shortTempDir(t)
	params := ski.KDFParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}
	st, err := keystore.Init(filepath.Join(dir, "keys.db"), []byte(testPass), params, nil)
	require.NoError(t, err)
	defer st.Close()
	deps := agent.Deps{Store: st, Auth: auth.New(st, auth.Config{})}

	// A regular file in the way is not ours to remove.
	notSock := filepath.Join(dir, "file.sock")
	require.NoError(t, os.WriteFile(notSock, []byte("x"), 0600))
	svc := pservice.NewService(pservice.DefaultConfig(notSock), deps)
	assert.Error(t, svc.Start())
	assert.FileExists(t, notSock)

	// Nor is a symlink.
	link := filepath.Join(dir, "link.sock")
	require.NoError(t, os.Symlink(notSock, link))
	svc = pservice.NewService(pservice.DefaultConfig(link), deps)
	assert.Error(t, svc.Start())

	// A stale socket left by a dead agent is replaced.
	stale := filepath.Join(dir, "stale.sock")
	l, err := net.Listen("unix", stale)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	svc = pservice.NewService(pservice.DefaultConfig(stale), deps)
	require.NoError(t, svc.Start())
	stopService(svc)

	// A live one is left alone.
	live := startService(t, nil)
	svc = pservice.NewService(pservice.DefaultConfig(live.SocketPath()), deps)
	assert.Error(t, svc.Start())
	_, err = os.Lstat(live.SocketPath())
	assert.NoError(t, err)
}
