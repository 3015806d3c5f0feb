package integration

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

const (
	clowdbotBinary = "../cmd/clowdbot/clowdbot"
	clowdbotURL    = "http://localhost:8080"
)

// trace logs a message if TRACE environment variable is set
func trace(t *testing.T, format string, args ...any) {
	if os.Getenv("TRACE") == "1" {
		t.Logf("TRACE: "+format, args...)
	}
}

// clowdbotEnv is the environment pointing clowdbot at the fake identity provider
func clowdbotEnv() []string {
	idp := "http://localhost:" + fakeIdPPort
	return []string{
		"PORT=8080",
		"CLOWDBOT_ENV=development",
		"OIDC_CLIENT_ID=" + fakeIdPClientID,
		"OIDC_CLIENT_SECRET=" + fakeIdPSecret,
		"OIDC_REDIRECT_URI=" + clowdbotURL + "/oauth/callback",
		"OIDC_ISSUER=" + idp,
		"OIDC_AUTHORIZATION_URL=" + idp + "/authorize",
		"OIDC_TOKEN_URL=" + idp + "/token",
		"OIDC_JWKS_URL=" + idp + "/jwks",
		"OIDC_VERIFY_SIGNATURE=true",
		"TELEMETRY_ENABLED=true",
		"LOGIN_RATE_LIMIT=0",
	}
}

// startClowdbot starts the clowdbot server with the default test
// environment, overridden by extraEnv
func startClowdbot(t *testing.T, extraEnv ...string) {
	t.Helper()
	cmd := exec.Command(clowdbotBinary)

	cmd.Env = append(os.Environ(), clowdbotEnv()...)
	cmd.Env = append(cmd.Env, extraEnv...)

	if logFile := os.Getenv("CLOWDBOT_LOG_FILE"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			cmd.Stderr = f
			cmd.Stdout = f
			t.Cleanup(func() { f.Close() })
		}
	}

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start clowdbot: %v", err)
	}
	trace(t, "started clowdbot pid=%d", cmd.Process.Pid)

	t.Cleanup(func() {
		stopClowdbot(cmd)
	})
	waitForClowdbot(t)
}

// stopClowdbot stops the clowdbot server gracefully
func stopClowdbot(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// waitForClowdbot waits for the clowdbot server to be ready
func waitForClowdbot(t *testing.T) {
	t.Helper()
	for range 10 {
		resp, err := http.Get(clowdbotURL + "/health")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(1 * time.Second)
	}
	t.Fatal("clowdbot failed to become ready after 10 seconds")
}

// newBrowser returns a client that keeps cookies. With follow set it
// follows redirects through the identity provider like a browser would.
func newBrowser(t *testing.T, follow bool) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}
	if !follow {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func callbackURL(code, state string) string {
	return fmt.Sprintf("%s/oauth/callback?code=%s&state=%s", clowdbotURL, code, state)
}
