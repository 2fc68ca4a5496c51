package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func sampleAlert() EngagementAlert {
	return EngagementAlert{
		SearchID:   "s-1",
		SearchName: "#golang",
		Tweet: model.Tweet{
			ID:       "42",
			URL:      "https://twitter.com/gopher/status/42",
			Username: "gopher",
			Content:  `Hello <script>alert(1)</script>world`,
		},
		Increases: []Increase{{Metric: MetricLikes, Before: 10, After: 250}},
	}
}

func TestDetectIncreases(t *testing.T) {
	before := model.Tweet{LikeCount: 100, RetweetCount: 5, QuoteCount: 0, ReplyCount: 50}
	after := model.Tweet{LikeCount: 201, RetweetCount: 15, QuoteCount: 11, ReplyCount: 60}

	got := DetectIncreases(before, after, DefaultThresholds)
	if len(got) != 2 {
		t.Fatalf("got %d increases, want 2: %+v", len(got), got)
	}
	if got[0].Metric != MetricLikes || got[0].Delta() != 101 {
		t.Errorf("first increase = %+v", got[0])
	}
	if got[1].Metric != MetricQuotes {
		t.Errorf("second increase = %+v", got[1])
	}
}

func TestDetectIncreases_DecreaseIgnored(t *testing.T) {
	before := model.Tweet{LikeCount: 1000}
	after := model.Tweet{LikeCount: 10}
	if got := DetectIncreases(before, after, DefaultThresholds); len(got) != 0 {
		t.Errorf("decrease should not alert: %+v", got)
	}
}

func TestBrevo_SendEngagementAlert(t *testing.T) {
	var gotKey string
	var gotReq emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotReq)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<1@smtp>"}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	b := NewBrevo(srv.Client(), newTestLogger(&buf), security.NewTextSanitizer(), Config{
		APIKey:     "xkeysib",
		Recipients: []string{"a@example.com", "b@example.com"},
		Sender:     "alerts@example.com",
		FrontURL:   "https://front.example.com",
	})
	b.endpoint = srv.URL

	if err := b.SendEngagementAlert(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "xkeysib" {
		t.Errorf("api-key = %q", gotKey)
	}
	if len(gotReq.To) != 2 || gotReq.Sender.Email != "alerts@example.com" {
		t.Errorf("request = %+v", gotReq)
	}
	if !strings.Contains(gotReq.HTMLContent, "https://front.example.com/searches/s-1") {
		t.Errorf("body should link to the search: %s", gotReq.HTMLContent)
	}
	if strings.Contains(gotReq.HTMLContent, "<script>") {
		t.Errorf("tweet markup should be stripped: %s", gotReq.HTMLContent)
	}
	if !strings.Contains(gotReq.HTMLContent, "10 → 250 (+240)") {
		t.Errorf("body should list the increase: %s", gotReq.HTMLContent)
	}
}

func TestBrevo_DisabledWithoutKey(t *testing.T) {
	var buf bytes.Buffer
	b := NewBrevo(http.DefaultClient, newTestLogger(&buf), nil, Config{Recipients: []string{"a@example.com"}})
	b.endpoint = "http://127.0.0.1:0"

	if b.Enabled() {
		t.Fatal("Enabled() should be false without an API key")
	}
	if err := b.SendEngagementAlert(context.Background(), sampleAlert()); err != nil {
		t.Errorf("disabled notifier should not fail: %v", err)
	}
}

func TestBrevo_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized"}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	b := NewBrevo(srv.Client(), newTestLogger(&buf), nil, Config{APIKey: "k", Recipients: []string{"a@example.com"}})
	b.endpoint = srv.URL

	if err := b.SendEngagementAlert(context.Background(), sampleAlert()); err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), "メール送信APIがエラーステータスを返しました") {
		t.Errorf("error status should be logged: %s", buf.String())
	}
}
