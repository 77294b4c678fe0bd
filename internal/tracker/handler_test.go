package tracker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beaconlabs/beacon/internal/activity"
	"github.com/beaconlabs/beacon/internal/auth"
	"github.com/beaconlabs/beacon/internal/metrics"
)

func startTrackHandler(t *testing.T) (sink *activity.MemorySink, token, baseURL string) {
	t.Helper()

	provider := auth.NewTokenProvider("test-secret", "beacon", time.Hour)
	tok, _, err := provider.Issue(auth.Principal{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	sink = activity.NewMemorySink()
	trk := newTestTracker(sink, nil)
	h := NewHandler(trk, provider, metrics.New())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return sink, tok, srv.URL
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandler_VisitAndLeave(t *testing.T) {
	sink, token, baseURL := startTrackHandler(t)

	if resp := post(t, baseURL+"/track/visit", token, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("visit status=%d, want 200", resp.StatusCode)
	}
	if resp := post(t, baseURL+"/track/leave", token, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status=%d, want 200", resp.StatusCode)
	}

	if got := len(sink.ByType(activity.EventPageVisit)); got != 1 {
		t.Fatalf("visit records=%d, want 1", got)
	}
	leaves := sink.ByType(activity.EventPageLeave)
	if len(leaves) != 1 {
		t.Fatalf("leave records=%d, want 1", len(leaves))
	}
	if leaves[0].UserID != "user-1" {
		t.Fatalf("user_id=%q, want user-1", leaves[0].UserID)
	}
}

func TestHandler_AuthStatusMapping(t *testing.T) {
	_, _, baseURL := startTrackHandler(t)

	if resp := post(t, baseURL+"/track/visit", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d, want 401", resp.StatusCode)
	}
	if resp := post(t, baseURL+"/track/visit", "garbage", ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("invalid token status=%d, want 403", resp.StatusCode)
	}
}

func TestHandler_Activity(t *testing.T) {
	sink, token, baseURL := startTrackHandler(t)

	resp := post(t, baseURL+"/track/activity", token, `{"event":"Button Click","details":{"button":"signup"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity status=%d, want 200", resp.StatusCode)
	}

	recs := sink.ByType("Button Click")
	if len(recs) != 1 {
		t.Fatalf("activity records=%d, want 1", len(recs))
	}
	if recs[0].Details["button"] != "signup" {
		t.Fatalf("details=%v, want caller details preserved", recs[0].Details)
	}
	if _, ok := recs[0].Details["timestamp"].(string); !ok {
		t.Fatalf("details=%v, want server timestamp stamp", recs[0].Details)
	}
}

func TestHandler_ActivityRejectsBadBodies(t *testing.T) {
	_, token, baseURL := startTrackHandler(t)

	for name, body := range map[string]string{
		"empty_event":   `{"event":"  "}`,
		"missing_event": `{"details":{}}`,
		"malformed":     `{"event":`,
		"unknown_field": `{"event":"x","nope":1}`,
	} {
		if resp := post(t, baseURL+"/track/activity", token, body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want 400", name, resp.StatusCode)
		}
	}
}
