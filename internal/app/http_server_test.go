package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/frost56k/cm-bot/internal/health"
	"github.com/frost56k/cm-bot/internal/version"
)

func TestStartMetricsServer_Endpoints(t *testing.T) {
	logger := log.WithField("test", "http")

	port := findFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	srv := startMetricsServer(ctx, addr, logger, healthHandler)
	if srv == nil {
		t.Fatal("startMetricsServer should not return nil")
	}
	waitForHTTP(t, fmt.Sprintf("http://%s/livez", addr))

	cases := []struct {
		path string
		code int
		body string
	}{
		{path: "/metrics", code: http.StatusOK},
		{path: "/healthz", code: http.StatusOK},
		{path: "/livez", code: http.StatusOK, body: "ok"},
		{path: "/readyz", code: http.StatusOK, body: "ready"},
	}
	for _, tc := range cases {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, tc.path))
		if err != nil {
			t.Fatalf("failed to get %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != tc.code {
			t.Errorf("%s: expected status %d, got %d", tc.path, tc.code, resp.StatusCode)
		}
		if tc.body != "" && string(body) != tc.body {
			t.Errorf("%s: expected body %q, got %q", tc.path, tc.body, string(body))
		}
	}
}

func TestStartMetricsServer_ReadinessFollowsStorage(t *testing.T) {
	logger := log.WithField("test", "http-ready")

	port := findFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("postgres", healthcheck.NewFuncChecker("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))
	startMetricsServer(ctx, addr, logger, healthHandler)
	waitForHTTP(t, fmt.Sprintf("http://%s/livez", addr))

	for _, path := range []string{"/readyz", "/healthz"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
		if err != nil {
			t.Fatalf("failed to get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestStartMetricsServer_Shutdown(t *testing.T) {
	logger := log.WithField("test", "http-shutdown")

	port := findFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	url := fmt.Sprintf("http://%s/livez", addr)

	ctx, cancel := context.WithCancel(context.Background())
	startMetricsServer(ctx, addr, logger, healthcheck.NewHandler(version.GetVersion()))
	waitForHTTP(t, url)

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err != nil {
			return
		}
		resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("server should be stopped after context cancellation")
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http-nil"))
}

func waitForHTTP(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start", url)
}

// findFreePort находит свободный порт для тестов
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
