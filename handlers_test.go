package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/percevia/vision-service/config"
	"github.com/percevia/vision-service/history"
	"github.com/percevia/vision-service/models"
)

type stubDetector struct {
	mu         sync.Mutex
	raw        []models.RawDetection
	err        error
	panicValue interface{}
	calls      int
}

func (d *stubDetector) Name() string { return "stub-yolo" }

func (d *stubDetector) Infer(context.Context, image.Image) ([]models.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panicValue != nil {
		panic(d.panicValue)
	}
	return d.raw, d.err
}

func (d *stubDetector) Close() error { return nil }

func personDetector() *stubDetector {
	return &stubDetector{raw: []models.RawDetection{
		{ClassID: 0, ClassName: "person", Confidence: 0.91, X1: 10, Y1: 10, X2: 110, Y2: 60},
	}}
}

func setupTestState(t *testing.T, det *stubDetector, mutate func(*config.Config)) (*AppState, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	cfg.History.Path = ""
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	state, err := newAppState(cfg, zap.NewNop().Sugar(), det, clk)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { test.That(t, state.Close(), test.ShouldBeNil) })
	return state, clk
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

func do(t *testing.T, state *AppState, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, req)
	return rec
}

func jsonDetectRequest(payload string) *http.Request {
	body, _ := json.Marshal(map[string]string{"image": payload})
	req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeDetect(t *testing.T, rec *httptest.ResponseRecorder) DetectResponse {
	t.Helper()
	var resp DetectResponse
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &resp), test.ShouldBeNil)
	return resp
}

func TestDetectJSON(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), nil)

	rec := do(t, state, jsonDetectRequest(base64.StdEncoding.EncodeToString(pngBytes(t, 640, 480))))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get(requestIDHeader), test.ShouldNotBeEmpty)

	resp := decodeDetect(t, rec)
	test.That(t, resp.Detections, test.ShouldHaveLength, 1)
	test.That(t, resp.Detections[0].Class, test.ShouldEqual, "person")
	test.That(t, resp.Detections[0].BBox, test.ShouldResemble, models.BBox{X: 10, Y: 10, W: 100, H: 50})
	test.That(t, resp.Performance.TotalDetections, test.ShouldEqual, 1)
	test.That(t, resp.Performance.FilteredDetections, test.ShouldEqual, 1)
	test.That(t, resp.Performance.ImageSize, test.ShouldResemble, []int{480, 640})
	test.That(t, resp.Performance.ConfidenceThreshold, test.ShouldEqual, 0.5)
	test.That(t, resp.Performance.Cached, test.ShouldBeFalse)
	test.That(t, resp.Performance.Age, test.ShouldBeNil)
	test.That(t, resp.Performance.Timings, test.ShouldBeNil)
	test.That(t, state.Queue.Len(), test.ShouldEqual, 1)
}

func TestDetectDataURLAndDebugTimings(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), func(cfg *config.Config) { cfg.Debug = true })

	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 320, 240))
	req := jsonDetectRequest(payload)
	req.Header.Set(requestIDHeader, "req-42")
	rec := do(t, state, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get(requestIDHeader), test.ShouldEqual, "req-42")
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"request_id":"req-42"`)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"total_ms"`)
}

func TestDetectServesFreshCache(t *testing.T) {
	det := personDetector()
	state, clk := setupTestState(t, det, nil)
	state.Cache.Update([]models.DetectionRecord{
		{Class: "cup", Confidence: 0.8, BBox: models.BBox{X: 1, Y: 2, W: 30, H: 40}, Quadrant: "1"},
	})
	clk.Add(1500 * time.Millisecond)

	rec := do(t, state, jsonDetectRequest(base64.StdEncoding.EncodeToString(pngBytes(t, 64, 64))))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	resp := decodeDetect(t, rec)
	test.That(t, resp.Detections, test.ShouldHaveLength, 1)
	test.That(t, resp.Detections[0].Class, test.ShouldEqual, "cup")
	test.That(t, resp.Performance.Cached, test.ShouldBeTrue)
	test.That(t, resp.Performance.Age, test.ShouldNotBeNil)
	test.That(t, *resp.Performance.Age, test.ShouldAlmostEqual, 1.5)
	test.That(t, det.calls, test.ShouldEqual, 0)
}

func TestDetectRejectsBadPayloads(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), nil)

	for _, tc := range []struct {
		name string
		req  *http.Request
		want string
	}{
		{name: "malformed base64", req: jsonDetectRequest("%%%not-base64%%%"), want: "invalid base64"},
		{name: "missing image", req: jsonDetectRequest(""), want: MsgNoImage},
		{
			name: "invalid json",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader("{"))
				r.Header.Set("Content-Type", "application/json; charset=utf-8")
				return r
			}(),
			want: MsgInvalidJSON,
		},
		{name: "raw garbage", req: httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader("not an image")), want: ""},
		{name: "empty raw body", req: httptest.NewRequest(http.MethodPost, "/detect", http.NoBody), want: MsgNoImage},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, state, tc.req)
			test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
			var resp ErrorResponse
			test.That(t, json.Unmarshal(rec.Body.Bytes(), &resp), test.ShouldBeNil)
			test.That(t, resp.Error, test.ShouldNotBeEmpty)
			test.That(t, resp.Error, test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestDetectTooLarge(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), func(cfg *config.Config) { cfg.Server.MaxUploadBytes = 64 })

	rec := do(t, state, httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(pngBytes(t, 32, 32))))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)

	var resp ErrorResponse
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &resp), test.ShouldBeNil)
	test.That(t, resp.Error, test.ShouldEqual, "image payload exceeds 64 bytes")
	test.That(t, resp.Code, test.ShouldEqual, "payload_too_large")
}

func TestDetectMultipart(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.png")
	test.That(t, err, test.ShouldBeNil)
	_, err = part.Write(pngBytes(t, 640, 480))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, state, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, decodeDetect(t, rec).Detections, test.ShouldHaveLength, 1)
}

func TestDetectDetectorFailure(t *testing.T) {
	state, _ := setupTestState(t, &stubDetector{err: &models.DetectorError{
		Backend: "onnx",
		Message: "model inference",
		Cause:   errors.New("session run failed"),
	}}, nil)

	rec := do(t, state, jsonDetectRequest(base64.StdEncoding.EncodeToString(pngBytes(t, 64, 64))))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	resp := decodeDetect(t, rec)
	test.That(t, resp.Detections, test.ShouldNotBeNil)
	test.That(t, resp.Detections, test.ShouldBeEmpty)
	test.That(t, resp.Performance.Error, test.ShouldEqual, MsgDetectionFailed)
	test.That(t, resp.Performance.Details, test.ShouldContainSubstring, "session run failed")
	test.That(t, resp.Performance.TotalDetections, test.ShouldEqual, 0)
	test.That(t, resp.Performance.FilteredDetections, test.ShouldEqual, 0)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"total_detections":0`)
}

func TestDetectUnexpectedFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		det  *stubDetector
	}{
		{name: "panic", det: &stubDetector{panicValue: "assignment to entry in nil map"}},
		{name: "unclassified error", det: &stubDetector{err: errors.New("tensor shape mismatch")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, _ := setupTestState(t, tc.det, nil)

			rec := do(t, state, jsonDetectRequest(base64.StdEncoding.EncodeToString(pngBytes(t, 64, 64))))
			test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)

			var resp ErrorResponse
			test.That(t, json.Unmarshal(rec.Body.Bytes(), &resp), test.ShouldBeNil)
			test.That(t, resp.Error, test.ShouldNotBeEmpty)
			test.That(t, rec.Body.String(), test.ShouldNotContainSubstring, "detections")
		})
	}
}

func TestRootAndStatus(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), nil)

	rec := do(t, state, httptest.NewRequest(http.MethodGet, "/", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	var root map[string]string
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &root), test.ShouldBeNil)
	test.That(t, root["message"], test.ShouldEqual, MsgAPIRunning)
	test.That(t, root["model"], test.ShouldEqual, "stub-yolo")

	before := float64(time.Now().Unix())
	rec = do(t, state, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	var status StatusResponse
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &status), test.ShouldBeNil)
	test.That(t, status.Status, test.ShouldEqual, "online")
	test.That(t, status.Model, test.ShouldEqual, "stub-yolo")
	test.That(t, status.Timestamp, test.ShouldBeGreaterThanOrEqualTo, before)
}

func TestPoolAndMetricsEndpoints(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), nil)

	rec := do(t, state, httptest.NewRequest(http.MethodGet, "/api/pool", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"worker_pool"`)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"capacity":10`)

	rec = do(t, state, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "queue_length")
}

func TestHistoryEndpoint(t *testing.T) {
	disabled, _ := setupTestState(t, personDetector(), nil)
	rec := do(t, disabled, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotFound)

	state, _ := setupTestState(t, personDetector(), func(cfg *config.Config) {
		cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	})
	_, err := state.History.Insert(history.Entry{Kind: "new", Text: "person in 5", Labels: []string{"person in 5"}, At: time.Now()})
	test.That(t, err, test.ShouldBeNil)

	rec = do(t, state, httptest.NewRequest(http.MethodGet, "/api/history?limit=5", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "person in 5")

	rec = do(t, state, httptest.NewRequest(http.MethodGet, "/api/history?limit=zero", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
}

func TestCORSPreflight(t *testing.T) {
	state, _ := setupTestState(t, personDetector(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/detect", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(t, state, req)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "http://localhost:5173")

	req = httptest.NewRequest(http.MethodOptions, "/detect", nil)
	req.Header.Set("Origin", "http://evil.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = do(t, state, req)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldBeEmpty)
}
