package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	apiclient "avmed-detection/interfaces/go/client"
	"avmed-detection/internal/adapters/storage/memory"
	"avmed-detection/internal/domain"
	cfgpkg "avmed-detection/internal/infrastructure/config"
	"avmed-detection/internal/infrastructure/httpapi"
	obs "avmed-detection/internal/infrastructure/observability"
	"avmed-detection/internal/usecase"
)

// startServer wires the full HTTP surface over a canned detector.
func startServer(t *testing.T) (*httptest.Server, *usecase.DetectionService) {
	t.Helper()
	logger := obs.NewLogger("error")
	metrics := obs.NewMetrics()
	store := memory.NewStore(100, time.Hour)
	monitor := httpapi.NewMonitorHub()

	detector := usecase.DetectorFunc(func(ctx context.Context, f domain.Frame) ([]domain.Detection, error) {
		return []domain.Detection{{
			Label:      "pill",
			Confidence: 0.93,
			Box:        domain.BoundingBox{X: 0.4, Y: 0.4, Width: 0.2, Height: 0.2},
			Status:     domain.StatusSuccess,
		}}, nil
	})
	svc := usecase.NewDetectionService(logger, metrics, detector, store, monitor, time.Second)

	cfg := cfgpkg.Config{Mode: "local"}
	deps := &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: metrics, Svc: svc, Repo: store, Monitor: monitor}
	srv := httptest.NewServer(httpapi.NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, svc
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(8, 8, image.White.C)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestFullSessionOverHTTP(t *testing.T) {
	srv, _ := startServer(t)
	api := apiclient.New(srv.URL)

	sid, err := api.StartSession(true)
	if err != nil {
		t.Fatalf("startSession: %v", err)
	}
	if sid == "" {
		t.Fatal("empty session id")
	}

	// A second concurrent session is refused.
	if _, err := api.StartSession(false); err == nil {
		t.Fatal("second session should be refused")
	}

	frame := pngFrame(t)
	if _, err := api.SubmitFrame(frame); err != nil {
		t.Fatalf("submitFrame: %v", err)
	}

	// Processing is asynchronous; poll until the detection lands.
	var dets []domain.Detection
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dets, err = api.LatestDetections()
		if err != nil {
			t.Fatalf("latestDetections: %v", err)
		}
		if len(dets) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(dets) != 1 || dets[0].Label != "pill" {
		t.Fatalf("detections = %+v", dets)
	}

	if err := api.EndSession(sid); err != nil {
		t.Fatalf("endSession: %v", err)
	}
	items, total, err := api.ListSessions(10, 0)
	if err != nil {
		t.Fatalf("listSessions: %v", err)
	}
	if total != 1 || items[0].ID != sid {
		t.Fatalf("sessions = %d %+v", total, items)
	}
	if items[0].ClosedAt == nil {
		t.Fatal("record should be closed")
	}
	if items[0].Frames.Submitted == 0 {
		t.Fatalf("counters = %+v", items[0].Frames)
	}
}

func TestSubmitWithoutSessionIsConflict(t *testing.T) {
	srv, _ := startServer(t)
	api := apiclient.New(srv.URL)
	if _, err := api.SubmitFrame(pngFrame(t)); err == nil {
		t.Fatal("frame without a session should fail")
	}
}

func TestMonitorStreamsDetections(t *testing.T) {
	srv, _ := startServer(t)
	api := apiclient.New(srv.URL)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/monitor/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("monitor dial: %v", err)
	}
	defer conn.Close()

	sid, err := api.StartSession(false)
	if err != nil {
		t.Fatalf("startSession: %v", err)
	}
	if _, err := api.SubmitFrame(pngFrame(t)); err != nil {
		t.Fatalf("submitFrame: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("monitor read: %v", err)
	}
	var ev httpapi.DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "detections" || ev.SessionID != sid {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Detections) != 1 || ev.Detections[0].Label != "pill" {
		t.Fatalf("event detections = %+v", ev.Detections)
	}
}
