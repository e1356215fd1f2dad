package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"shelfscan/internal/app"
	"shelfscan/internal/ratelimit"
	"shelfscan/pkg/domain"
	"shelfscan/pkg/imaging"
	"shelfscan/pkg/store"
)

type stubExtractor struct {
	text string
	err  error
}

func (s *stubExtractor) ExtractText(ctx context.Context, imagePath string) (string, error) {
	return s.text, s.err
}

type stubStructurer struct{}

func (stubStructurer) StructureLine(ctx context.Context, line string) (domain.BookRecord, error) {
	return domain.BookRecord{Title: line, RawOCRText: line}, nil
}

type testEnv struct {
	server  *httptest.Server
	tokens  *store.JWTTokenService
	redis   *miniredis.Miniredis
	handler http.Handler
}

func newTestEnv(t *testing.T, extractor *stubExtractor, cfgMutators ...func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	normalizer, err := imaging.NewNormalizer(filepath.Join(root, "processed"), imaging.Options{MaxWidth: 8})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	mr := miniredis.RunT(t)
	sessions := store.NewRedisSessionStore(mr.Addr(), "", time.Hour)
	a, err := app.New(store.NewMemoryStore(), sessions, normalizer, extractor, stubStructurer{}, nil, app.Options{
		UploadDir:     filepath.Join(root, "uploads"),
		ProcessedDir:  filepath.Join(root, "processed"),
		ResultDir:     filepath.Join(root, "result"),
		WorkerCount:   2,
		MinLineLength: 10,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, err := store.NewJWTTokenService("test-secret", time.Hour, store.JWTOptions{})
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	cfg := Config{App: a, Tokens: tokens}
	for _, mutate := range cfgMutators {
		mutate(&cfg)
	}
	handler := New(cfg).Router()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, tokens: tokens, redis: mr, handler: handler}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func (e *testEnv) registerAndLogin(t *testing.T, username, password string) string {
	t.Helper()
	resp := e.postJSON(t, "/appregister", map[string]string{"username": username, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
	resp = e.postJSON(t, "/applogin", map[string]string{"username": username, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("login response missing access_token: %v", body)
	}
	return token
}

func multipartImages(t *testing.T, count int) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i := 0; i < count; i++ {
		part, err := mw.CreateFormFile("images", fmt.Sprintf("shelf%d.png", i))
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		img := image.NewRGBA(image.Rect(0, 0, 8, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 8; x++ {
				img.Set(x, y, color.RGBA{R: 180, G: 180, B: 180, A: 255})
			}
		}
		if err := png.Encode(part, img); err != nil {
			t.Fatalf("encode image: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	resp := env.get(t, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	creds := map[string]string{"username": "alice", "password": "pw123456"}
	resp := env.postJSON(t, "/appregister", creds, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first register status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
	resp = env.postJSON(t, "/appregister", creds, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["success"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	env.registerAndLogin(t, "alice", "pw123456")
	resp := env.postJSON(t, "/applogin", map[string]string{"username": "alice", "password": "nope"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["message"] != "Invalid credentials" {
		t.Fatalf("body = %v", body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})

	resp := env.get(t, "/scanHistory", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	msg, _ := body["message"].(string)
	if !strings.Contains(strings.ToLower(msg), "token") {
		t.Fatalf("message should mention token, got %q", msg)
	}

	resp = env.get(t, "/scanHistory", map[string]string{"Authorization": "Bearer not-a-jwt"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("garbage token status = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExpiredTokenRejected(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	env.registerAndLogin(t, "alice", "pw123456")

	// Signed with the right key but expired well past the verifier's leeway.
	past := time.Now().UTC().Add(-time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "1",
		Issuer:    "shelfscan",
		Audience:  jwt.ClaimStrings{"shelfscan-api"},
		IssuedAt:  jwt.NewNumericDate(past),
		NotBefore: jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp := env.get(t, "/scanHistory", map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["message"] != "token expired" {
		t.Fatalf("body = %v", body)
	}
}

func TestAppUploadPipeline(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{text: "The Name of the Rose Umberto Eco\nshort\nFoucault's Pendulum Umberto Eco"})
	token := env.registerAndLogin(t, "alice", "pw123456")

	buf, contentType := multipartImages(t, 2)
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/appUpload", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["message"] != "Processing completed" {
		t.Fatalf("body = %v", body)
	}
	data, ok := body["data"].([]any)
	if !ok || len(data) != 4 {
		t.Fatalf("data = %v, want 4 records (2 long lines x 2 images)", body["data"])
	}

	resp = env.get(t, "/scanHistory", map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	var scans []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&scans); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("history length = %d, want 1", len(scans))
	}
	if _, ok := scans[0]["ocr_result"]; !ok {
		t.Fatalf("scan missing ocr_result: %v", scans[0])
	}
}

func TestAppUploadRejectsNonMultipart(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	token := env.registerAndLogin(t, "alice", "pw123456")
	resp := env.postJSON(t, "/appUpload", map[string]string{"images": "nope"}, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	msg, _ := body["message"].(string)
	if !strings.Contains(msg, "multipart/form-data") {
		t.Fatalf("message should mention multipart/form-data, got %q", msg)
	}
}

func TestDeleteScansOwnershipAndIdempotence(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{text: "A sufficiently long spine line"})
	aliceToken := env.registerAndLogin(t, "alice", "pw123456")
	bobToken := env.registerAndLogin(t, "bob", "pw123456")

	upload := func(token string) uint {
		buf, contentType := multipartImages(t, 1)
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/appUpload", buf)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload request: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upload status = %d", resp.StatusCode)
		}
		resp.Body.Close()
		resp = env.get(t, "/scanHistory", map[string]string{"Authorization": "Bearer " + token})
		defer resp.Body.Close()
		var scans []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&scans); err != nil || len(scans) == 0 {
			t.Fatalf("history decode: %v, %d scans", err, len(scans))
		}
		return uint(scans[0]["id"].(float64))
	}
	aliceScan := upload(aliceToken)
	bobScan := upload(bobToken)

	// Alice deletes her scan, Bob's scan and a missing id in one request.
	resp := env.postJSON(t, "/delete-scans",
		map[string][]uint{"ids": {aliceScan, bobScan, 9999}},
		map[string]string{"Authorization": "Bearer " + aliceToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["message"] != "Scans deleted successfully" {
		t.Fatalf("body = %v", body)
	}

	resp = env.get(t, "/scanHistory", map[string]string{"Authorization": "Bearer " + bobToken})
	defer resp.Body.Close()
	var bobScans []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&bobScans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bobScans) != 1 {
		t.Fatal("bob's scan must survive alice's delete request")
	}

	// Repeating the delete is a no-op, not an error.
	resp = env.postJSON(t, "/delete-scans",
		map[string][]uint{"ids": {aliceScan}},
		map[string]string{"Authorization": "Bearer " + aliceToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebLoginUploadDownloadFlow(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{text: "Snow Crash Neal Stephenson Bantam"})
	env.registerAndLogin(t, "alice", "pw123456")

	resp := env.postJSON(t, "/login", map[string]string{"username": "alice", "password": "pw123456"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("web login status = %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	resp.Body.Close()
	if session == nil || session.Value == "" || !session.HttpOnly {
		t.Fatalf("expected HttpOnly session cookie, got %v", session)
	}

	buf, contentType := multipartImages(t, 1)
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/upload", buf)
	req.Header.Set("Content-Type", contentType)
	req.AddCookie(session)
	uploadResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do upload: %v", err)
	}
	if uploadResp.StatusCode != http.StatusOK {
		t.Fatalf("web upload status = %d", uploadResp.StatusCode)
	}
	body := decodeBody(t, uploadResp)
	file, _ := body["file"].(string)
	if file == "" || !strings.HasSuffix(file, ".xlsx") {
		t.Fatalf("web upload should return a spreadsheet file, got %v", body)
	}

	dlReq, _ := http.NewRequest(http.MethodGet, env.server.URL+"/download/"+file, nil)
	dlReq.AddCookie(session)
	dlResp, err := http.DefaultClient.Do(dlReq)
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dlResp.StatusCode)
	}
	dlResp.Body.Close()

	anon := env.get(t, "/download/"+file, nil)
	if anon.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous download status = %d, want 401", anon.StatusCode)
	}
	anon.Body.Close()

	missingReq, _ := http.NewRequest(http.MethodGet, env.server.URL+"/download/nothing-here.xlsx", nil)
	missingReq.AddCookie(session)
	missing, err := http.DefaultClient.Do(missingReq)
	if err != nil {
		t.Fatalf("missing download request: %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing download status = %d, want 404", missing.StatusCode)
	}
	missing.Body.Close()

	// Logout invalidates the session.
	logoutReq, _ := http.NewRequest(http.MethodGet, env.server.URL+"/logout", nil)
	logoutReq.AddCookie(session)
	logoutResp, err := http.DefaultClient.Do(logoutReq)
	if err != nil {
		t.Fatalf("logout request: %v", err)
	}
	if logoutResp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", logoutResp.StatusCode)
	}
	logoutResp.Body.Close()

	buf2, contentType2 := multipartImages(t, 1)
	req2, _ := http.NewRequest(http.MethodPost, env.server.URL+"/upload", buf2)
	req2.Header.Set("Content-Type", contentType2)
	req2.AddCookie(session)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("do upload: %v", err)
	}
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("upload after logout status = %d, want 401", resp2.StatusCode)
	}
	resp2.Body.Close()
}

func TestMockUpload(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	resp := env.get(t, "/mockUpload", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	data, ok := body["data"].([]any)
	if !ok || len(data) == 0 {
		t.Fatalf("mock data missing: %v", body)
	}
	first, _ := data[0].(map[string]any)
	if _, ok := first["Raw OCR Text"]; !ok {
		t.Fatalf("mock record missing Raw OCR Text key: %v", first)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(mr.Addr(), "", "test:rl", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, &stubExtractor{}, func(cfg *Config) {
		cfg.RegisterLimiter = limiter
	})
	for i := 0; i < 2; i++ {
		resp := env.postJSON(t, "/appregister", map[string]string{
			"username": fmt.Sprintf("user%d", i), "password": "pw123456",
		}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := env.postJSON(t, "/appregister", map[string]string{"username": "user9", "password": "pw123456"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})
	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/applogin", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("missing CORS headers on preflight")
	}
}
