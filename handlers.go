package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/percevia/vision-service/detector"
	"github.com/percevia/vision-service/models"
	"github.com/percevia/vision-service/pipeline"
	"github.com/percevia/vision-service/preprocess"
)

type DetectResponse struct {
	Detections  []models.DetectionRecord `json:"detections"`
	Performance Performance              `json:"performance"`
}

// Performance describes how a detection response was produced. ImageSize is
// [height, width] of the image given to the detector.
type Performance struct {
	TotalDetections     int                       `json:"total_detections"`
	FilteredDetections  int                       `json:"filtered_detections"`
	ImageSize           []int                     `json:"image_size,omitempty"`
	ConfidenceThreshold float64                   `json:"confidence_threshold,omitempty"`
	Cached              bool                      `json:"cached,omitempty"`
	Age                 *float64                  `json:"age,omitempty"`
	Error               string                    `json:"error,omitempty"`
	Details             string                    `json:"details,omitempty"`
	Timings             *models.ProcessingTimings `json:"timings,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type StatusResponse struct {
	Status    string  `json:"status"`
	Model     string  `json:"model"`
	Timestamp float64 `json:"timestamp"`
}

func (s *AppState) logTimings(t models.ProcessingTimings, cached bool) {
	if !s.Config.Debug {
		return
	}
	s.Logger.Debugw("processing times",
		"request_id", t.RequestID,
		"cached", cached,
		"decode", t.ImageDecode,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"total", t.Total,
	)
}

func (s *AppState) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": MsgAPIRunning,
		"model":   s.Detector.Name(),
	})
}

func (s *AppState) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "online",
		Model:     s.Detector.Name(),
		Timestamp: float64(time.Now().UnixMicro()) / 1e6,
	})
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)

	decodeStart := time.Now()
	raw, err := s.readImagePayload(w, r)
	decodeTime := time.Since(decodeStart)
	if err != nil {
		s.sendError(w, id, err)
		return
	}

	res, err := s.Coordinator.Handle(r.Context(), raw, id)
	if err != nil {
		s.sendError(w, id, err)
		return
	}
	res.Timings.ImageDecode = decodeTime
	res.Timings.Total += decodeTime
	s.logTimings(res.Timings, res.Cached)

	writeJSON(w, http.StatusOK, s.detectResponse(res))
}

func (s *AppState) detectResponse(res *pipeline.Result) DetectResponse {
	records := res.Records
	if records == nil {
		records = []models.DetectionRecord{}
	}
	resp := DetectResponse{Detections: records}

	if res.DetectorErr != nil {
		resp.Performance = Performance{
			Error:   MsgDetectionFailed,
			Details: res.DetectorErr.Error(),
		}
	} else {
		resp.Performance = Performance{
			TotalDetections:     res.Total,
			FilteredDetections:  len(records),
			ImageSize:           []int{res.Processed.Height, res.Processed.Width},
			ConfidenceThreshold: s.Config.Detection.ConfThreshold,
			Cached:              res.Cached,
		}
		if res.Cached {
			age := res.Age.Seconds()
			resp.Performance.Age = &age
		}
	}
	if s.Config.Debug {
		t := res.Timings
		resp.Performance.Timings = &t
	}
	return resp
}

// readImagePayload extracts the image bytes from a JSON, multipart or raw body.
func (s *AppState) readImagePayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Config.Server.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return s.handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &preprocess.DecodeError{Message: MsgInvalidJSON, Cause: err}
	}
	if req.Image == "" {
		return nil, &preprocess.DecodeError{Message: MsgNoImage}
	}
	return preprocess.DecodeBase64(req.Image)
}

func (s *AppState) handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(s.Config.Server.MaxUploadBytes); err != nil {
		return nil, &preprocess.DecodeError{Message: "invalid multipart form", Cause: err}
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, &preprocess.DecodeError{Message: MsgNoImage, Cause: err}
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &preprocess.DecodeError{Message: "failed to read request body", Cause: err}
	}
	if len(data) == 0 {
		return nil, &preprocess.DecodeError{Message: MsgNoImage}
	}
	return data, nil
}

func (s *AppState) sendError(w http.ResponseWriter, id string, err error) {
	var decodeErr *preprocess.DecodeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("image payload exceeds %d bytes", tooLarge.Limit),
			Code:  "payload_too_large",
		})
	case errors.As(err, &decodeErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: decodeErr.Error(), Code: "invalid_request"})
	default:
		s.Logger.Errorw("request failed", "request_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "internal_error"})
	}
}

type sessionReporter interface {
	Sessions() detector.PoolMetrics
}

func (s *AppState) handlePoolMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"model":       s.Detector.Name(),
		"worker_pool": s.Pool.Stats(),
		"queue": map[string]interface{}{
			"length":   s.Queue.Len(),
			"capacity": s.Queue.Cap(),
			"enqueued": s.Queue.Enqueued(),
			"dropped":  s.Queue.Dropped(),
		},
		"background": map[string]interface{}{
			"running":   s.Worker.Running(),
			"processed": s.Worker.Processed(),
			"failures":  s.Worker.Failures(),
		},
	}
	if rep, ok := s.Detector.(sessionReporter); ok {
		response["sessions"] = rep.Sessions()
	}
	if s.Hub != nil {
		response["listeners"] = s.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: MsgHistoryDisabled, Code: "not_found"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "invalid_request"})
			return
		}
		limit = n
	}

	entries, err := s.History.Recent(limit)
	if err != nil {
		s.sendError(w, requestID(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"announcements": entries})
}

func (s *AppState) handleAnnouncements(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: MsgAnnouncementsDisabled, Code: "not_found"})
		return
	}
	s.Hub.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
