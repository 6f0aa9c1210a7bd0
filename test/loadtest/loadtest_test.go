package loadtest_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"

	"chatty/internal/chatty/app"
	"chatty/internal/platform/bus"
	"chatty/internal/platform/config"
	"chatty/internal/platform/server"
	"chatty/internal/platform/telemetry"
	"chatty/internal/testutil"
)

// testEnv holds all the infrastructure needed for a load test.
type testEnv struct {
	baseURL string
	cancel  context.CancelFunc
}

type rlConfig struct {
	upgradeRate  float64
	upgradeBurst int
}

func setupTestEnv(t *testing.T, rl rlConfig) *testEnv {
	t.Helper()

	logger := testutil.QuietLogger()
	shutdown, _ := telemetry.Setup(context.Background(), "chatty-loadtest")
	t.Cleanup(func() { shutdown(context.Background()) })

	a := app.New(app.Deps{
		Config: config.Config{
			Env:            "test",
			ClientURL:      "http://localhost:3000",
			SecretKeyOne:   "loadtest-key",
			BodyLimitBytes: 1 << 20,
			BusTopic:       "chatty.loadtest",
			Realtime: config.RealtimeConfig{
				Path:         "/socket",
				UpgradeRate:  rl.upgradeRate,
				UpgradeBurst: rl.upgradeBurst,
				EventRate:    100,
				EventBurst:   100,
			},
		},
		Logger: logger,
	})
	pair := bus.InProcess(logger)
	t.Cleanup(func() { pair.Close() })
	if err := a.Start(context.Background(), pair); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv := server.New(freeAddr(t), a.Handler, logger)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.OnShutdown(a.Shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{cancel: cancel}
	t.Cleanup(cancel)

	go srv.Run(ctx)

	env.baseURL = "http://" + srv.Addr()
	waitForReady(t, env.baseURL+"/healthz")

	return env
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitForReady(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not become ready at %s", url)
}

func loadtestDuration() time.Duration {
	if d := os.Getenv("LOADTEST_DURATION"); d != "" {
		dur, err := time.ParseDuration(d)
		if err == nil {
			return dur
		}
	}
	if testing.Short() {
		return 2 * time.Second
	}
	return 5 * time.Second
}

func loadtestRate() int {
	if r := os.Getenv("LOADTEST_RATE"); r != "" {
		rate, err := strconv.Atoi(r)
		if err == nil {
			return rate
		}
	}
	if testing.Short() {
		return 50
	}
	return 100
}

func printReport(t *testing.T, name string, metrics *vegeta.Metrics) {
	t.Helper()
	t.Logf("\n=== %s ===", name)
	t.Logf("  Requests:    %d", metrics.Requests)
	t.Logf("  Rate:        %.1f req/s", metrics.Rate)
	t.Logf("  Throughput:  %.1f req/s", metrics.Throughput)
	t.Logf("  Duration:    %s", metrics.Duration)
	t.Logf("  Latencies:")
	t.Logf("    Mean:    %s", metrics.Latencies.Mean)
	t.Logf("    P50:     %s", metrics.Latencies.P50)
	t.Logf("    P95:     %s", metrics.Latencies.P95)
	t.Logf("    P99:     %s", metrics.Latencies.P99)
	t.Logf("    Max:     %s", metrics.Latencies.Max)
	t.Logf("  Status Codes:")
	for code, count := range metrics.StatusCodes {
		t.Logf("    %s: %d", code, count)
	}
	if len(metrics.Errors) > 0 {
		t.Logf("  Errors (first 5):")
		for i, e := range metrics.Errors {
			if i >= 5 {
				break
			}
			t.Logf("    %s", e)
		}
	}
	t.Logf("  Success:     %.1f%%", metrics.Success*100)
}

func attack(targeter vegeta.Targeter, rate vegeta.Rate, d time.Duration, name string) *vegeta.Metrics {
	attacker := vegeta.NewAttacker()
	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, rate, d, name) {
		metrics.Add(res)
	}
	metrics.Close()
	return &metrics
}

func TestBaselineHealth(t *testing.T) {
	env := setupTestEnv(t, rlConfig{upgradeRate: 100, upgradeBurst: 100})

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodGet,
		URL:    env.baseURL + "/healthz",
	})
	metrics := attack(targeter, vegeta.Rate{Freq: loadtestRate(), Per: time.Second}, loadtestDuration(), "baseline")

	printReport(t, "Baseline Health", metrics)

	if metrics.Success < 0.99 {
		t.Errorf("expected >99%% success rate, got %.1f%%", metrics.Success*100)
	}
	if metrics.Latencies.P99 > 100*time.Millisecond {
		t.Errorf("P99 latency too high: %s", metrics.Latencies.P99)
	}
}

func TestRampUp(t *testing.T) {
	env := setupTestEnv(t, rlConfig{upgradeRate: 100, upgradeBurst: 100})

	duration := loadtestDuration()
	stages := []struct {
		name string
		rate int
	}{
		{"low", loadtestRate() / 2},
		{"medium", loadtestRate()},
		{"high", loadtestRate() * 3},
	}

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodGet,
		URL:    env.baseURL + "/healthz",
	})

	for _, stage := range stages {
		t.Run(stage.name, func(t *testing.T) {
			rate := vegeta.Rate{Freq: stage.rate, Per: time.Second}
			metrics := attack(targeter, rate, duration/time.Duration(len(stages)), stage.name)

			printReport(t, fmt.Sprintf("Ramp Up - %s (%d req/s)", stage.name, stage.rate), metrics)

			if metrics.Success < 0.95 {
				t.Errorf("expected >95%% success, got %.1f%%", metrics.Success*100)
			}
		})
	}
}

func TestUnknownRoutesStayCheap(t *testing.T) {
	env := setupTestEnv(t, rlConfig{upgradeRate: 100, upgradeBurst: 100})

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodGet,
		URL:    env.baseURL + "/api/v1/does-not-exist",
	})
	metrics := attack(targeter, vegeta.Rate{Freq: loadtestRate(), Per: time.Second}, loadtestDuration(), "not-found")

	printReport(t, "Unknown Routes", metrics)

	if metrics.StatusCodes["404"] != int(metrics.Requests) {
		t.Errorf("expected every response to be 404, got %v", metrics.StatusCodes)
	}
	if metrics.Latencies.P99 > 100*time.Millisecond {
		t.Errorf("P99 latency too high: %s", metrics.Latencies.P99)
	}
}

func TestUpgradeRateLimit(t *testing.T) {
	// Low per-IP upgrade budget so the attack rate trips it.
	env := setupTestEnv(t, rlConfig{upgradeRate: 5, upgradeBurst: 10})

	// Plain GETs fail the handshake with 400 once they pass the limiter.
	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodGet,
		URL:    env.baseURL + "/socket",
	})
	metrics := attack(targeter, vegeta.Rate{Freq: loadtestRate(), Per: time.Second}, loadtestDuration(), "upgrade-limit")

	printReport(t, "Upgrade Rate Limit", metrics)

	if metrics.StatusCodes["400"] == 0 {
		t.Error("expected some 400 responses (initial burst reached the handshake)")
	}
	if metrics.StatusCodes["429"] == 0 {
		t.Error("expected some 429 responses (rate limited)")
	}
}
