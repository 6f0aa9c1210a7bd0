package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatty/internal/chatty"
	"chatty/internal/chatty/app"
	"chatty/internal/chatty/router"
	"chatty/internal/platform/bus"
	"chatty/internal/platform/config"
	"chatty/internal/testutil"
)

const clientURL = "http://localhost:3000"

func testConfig() config.Config {
	return config.Config{
		Env:            "test",
		ClientURL:      clientURL,
		SecretKeyOne:   "key-one",
		SecretKeyTwo:   "key-two",
		BodyLimitBytes: 1 << 10,
		BusTopic:       "chatty.test",
		Realtime: config.RealtimeConfig{
			Path:         "/socket",
			UpgradeRate:  100,
			UpgradeBurst: 100,
			EventRate:    100,
			EventBurst:   100,
		},
	}
}

type fakeUploader struct {
	mu  sync.Mutex
	got chatty.UploadOptions
	err error
}

func (f *fakeUploader) last() chatty.UploadOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func (f *fakeUploader) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeUploader) Upload(_ context.Context, file string, opts chatty.UploadOptions) (chatty.UploadMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = opts
	if f.err != nil {
		return chatty.UploadMetadata{}, f.err
	}
	return chatty.UploadMetadata{PublicID: opts.PublicID, Version: 1, SecureURL: "https://cdn.example/" + opts.PublicID}, nil
}

func newNode(t *testing.T, pair *bus.Pair, deps app.Deps) (*app.App, *httptest.Server) {
	t.Helper()
	deps.Config = testConfig()
	deps.Logger = testutil.QuietLogger()
	a := app.New(deps)
	if pair != nil {
		if err := a.Start(context.Background(), *pair); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	srv := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
		srv.Close()
	})
	return a, srv
}

func TestUnknownRouteEnvelope(t *testing.T) {
	_, srv := newNode(t, nil, app.Deps{})

	res, err := http.Get(srv.URL + "/api/v1/nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	env := testutil.DecodeEnvelope(t, res.Body)
	if env.Message != "Not Found" || env.StatusCode != 404 || env.Status != "error" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestUploadRoute(t *testing.T) {
	up := &fakeUploader{}
	_, srv := newNode(t, nil, app.Deps{Registrars: []router.Registrar{app.UploadRoutes(up)}})

	post := func(body string) *http.Response {
		t.Helper()
		res, err := http.Post(srv.URL+"/api/v1/uploads", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { res.Body.Close() })
		return res
	}

	res := post(`{"file":""}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	if env := testutil.DecodeEnvelope(t, res.Body); env.Message != "file is required" {
		t.Errorf("unexpected envelope %+v", env)
	}

	res = post(`{"file":"data:image/png;base64,AAAA","publicId":"avatars/u1","invalidate":true}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.StatusCode)
	}
	var meta chatty.UploadMetadata
	json.NewDecoder(res.Body).Decode(&meta)
	if meta.PublicID != "avatars/u1" || meta.SecureURL == "" {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if got := up.last(); !got.Overwrite || !got.Invalidate {
		t.Errorf("unexpected options %+v", got)
	}

	up.fail(errors.New("cloudinary: 502 from upstream"))
	res = post(`{"file":"data:image/png;base64,AAAA"}`)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	if env := testutil.DecodeEnvelope(t, res.Body); env.Message != "Internal Server Error" {
		t.Errorf("provider error must not leak, got %+v", env)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	up := &fakeUploader{}
	_, srv := newNode(t, nil, app.Deps{Registrars: []router.Registrar{app.UploadRoutes(up)}})

	body := `{"file":"` + strings.Repeat("A", 4096) + `"}`
	res, err := http.Post(srv.URL+"/api/v1/uploads", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.StatusCode)
	}
	if up.last() != (chatty.UploadOptions{}) {
		t.Error("handler must not run for oversized bodies")
	}
}

func TestPreflight(t *testing.T) {
	_, srv := newNode(t, nil, app.Deps{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/uploads", nil)
	req.Header.Set("Origin", clientURL)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("expected 200 preflight, got %d", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentialed CORS")
	}
}

func TestReadyz(t *testing.T) {
	pair := bus.InProcess(testutil.QuietLogger())
	defer pair.Close()

	var storeDown atomic.Bool
	_, srv := newNode(t, &pair, app.Deps{Checks: []router.Check{{
		Name: "store",
		Probe: func(context.Context) error {
			if storeDown.Load() {
				return errors.New("store disconnected")
			}
			return nil
		},
	}}})

	res, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("expected ready, got %d", res.StatusCode)
	}

	storeDown.Store(true)
	res, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with store down, got %d", res.StatusCode)
	}
}

func TestSocketBeforeStart(t *testing.T) {
	_, srv := newNode(t, nil, app.Deps{})

	res, err := http.Get(srv.URL + "/socket")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 before start, got %d", res.StatusCode)
	}
}

func TestEmitReachesOtherNode(t *testing.T) {
	pair := bus.InProcess(testutil.QuietLogger())
	defer pair.Close()

	a, _ := newNode(t, &pair, app.Deps{NodeID: "node-a"})
	b, srvB := newNode(t, &pair, app.Deps{NodeID: "node-b"})

	wsB := testutil.DialWS(t, srvB.URL, "/socket", clientURL)
	wsB.WriteJSON(testutil.Frame{Event: "join", Data: json.RawMessage(`"general"`)})
	if f, ok := testutil.ReadFrame(t, wsB, 2*time.Second); !ok || f.Event != "joined" {
		t.Fatalf("expected joined ack, got %+v", f)
	}

	if err := a.Realtime.To("general").Emit(context.Background(), "ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f, ok := testutil.ReadFrame(t, wsB, 2*time.Second)
	if !ok || f.Event != "ping" || string(f.Data) != `{"n":1}` {
		t.Fatalf("expected ping {n:1} on node b, got %+v", f)
	}
	if b.Realtime.Registry().Len() != 1 {
		t.Errorf("expected one connection on b, got %d", b.Realtime.Registry().Len())
	}
}

func TestStartTwiceFails(t *testing.T) {
	pair := bus.InProcess(testutil.QuietLogger())
	defer pair.Close()
	a, _ := newNode(t, &pair, app.Deps{})

	if err := a.Start(context.Background(), pair); err == nil {
		t.Error("second start must fail")
	}
}

func TestUpgradeStagesRecoverPanics(t *testing.T) {
	a, _ := newNode(t, nil, app.Deps{})

	want := []string{"request-id", "recovery", "upgrade-limit"}
	if got := a.Upgrade.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected stages %v, got %v", want, got)
	}

	h := a.Upgrade.Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("before hijack")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/socket", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if env := testutil.DecodeEnvelope(t, rec.Body); env.Message != "Internal Server Error" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id on recovered upgrade")
	}
}
