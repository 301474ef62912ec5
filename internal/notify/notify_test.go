package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"orb-trader/internal/models"
	"orb-trader/internal/trading"
)

var at = time.Date(2024, 3, 6, 10, 5, 0, 0, time.UTC)

func TestTerminalReporterLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporter(&buf, false)

	r.OnRange(models.OpeningRange{Symbol: "AAPL", High: 102, Low: 98})
	r.OnBar("AAPL", 3, models.Bar{Timestamp: at, Open: 101, High: 104, Low: 100.5, Close: 103})
	r.OnBreakout(models.BreakoutEvent{Symbol: "AAPL", Timestamp: at, ClosePrice: 103, OpeningRangeHigh: 102})
	r.OnFetchFailed("XYZ", fmt.Errorf("symbol not found"))

	want := []string{
		"AAPL: Opening High Range = 102.00 Low = 98.00",
		"[03] AAPL 10:05:00 O=101.00 H=104.00 L=100.50 C=103.00",
		">>> AAPL BREAKOUT at 10:05:00: closed 103.00 above opening range high 102.00",
		"XYZ: failed to fetch opening range: symbol not found",
	}
	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(got) != len(want) {
		t.Fatalf("got %d lines:\n%s", len(got), buf.String())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTerminalReporterHidesBars(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporter(&buf, false)
	r.SetShowBars(false)
	r.OnBar("AAPL", 1, models.Bar{Timestamp: at, Close: 100})
	if buf.Len() != 0 {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestTerminalReporterColor(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporter(&buf, true)
	r.OnRange(models.OpeningRange{Symbol: "AAPL", High: 102, Low: 98})
	if !strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("expected ANSI codes in %q", buf.String())
	}
}

func TestSummaryOrderAndOutcomes(t *testing.T) {
	rng := &models.OpeningRange{Symbol: "TCS", High: 50, Low: 45}
	report := &trading.Report{
		Symbols: []string{"AAPL", "TCS", "XYZ"},
		Results: map[string]*trading.SymbolResult{
			"AAPL": {
				Symbol: "AAPL",
				State:  models.StateTriggered,
				Event:  &models.BreakoutEvent{Symbol: "AAPL", Timestamp: at, ClosePrice: 103, OpeningRangeHigh: 102},
			},
			"TCS": {Symbol: "TCS", Range: rng, State: models.StateStopped, BarsSeen: 4},
			"XYZ": {Symbol: "XYZ", State: models.StateStopped, Err: fmt.Errorf("no data")},
		},
		Started:  at,
		Finished: at.Add(1500 * time.Millisecond),
	}

	var buf bytes.Buffer
	NewTerminalReporter(&buf, false).Summary(report)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[0] != "Summary (1.50s)" {
		t.Errorf("header = %q", lines[0])
	}
	checks := []struct {
		line int
		want []string
	}{
		{1, []string{"AAPL", "triggered", "close 103.00 > high 102.00"}},
		{2, []string{"TCS", "after 4 bars", "range 45.00-50.00"}},
		{3, []string{"XYZ", "failed", "(no data)"}},
	}
	for _, c := range checks {
		for _, w := range c.want {
			if !strings.Contains(lines[c.line], w) {
				t.Errorf("line %q missing %q", lines[c.line], w)
			}
		}
	}
}

func TestTerminalReporterConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporter(&buf, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.OnBar(fmt.Sprintf("S%02d", i), i, models.Bar{Timestamp: at, Open: 1, High: 2, Low: 1, Close: 2})
		}(i)
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "C=2.00") {
			t.Errorf("interleaved line %q", line)
		}
	}
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := models.BreakoutEvent{ID: "e1", Symbol: "AAPL", Timestamp: at, ClosePrice: 103, OpeningRangeHigh: 102}
	if err := NewWebhookNotifier(srv.URL).Record(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if got.Type != "breakout" || got.Event.ID != "e1" || got.Message != event.LogLine() {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookNotifierRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Record(context.Background(), models.BreakoutEvent{Symbol: "AAPL", Timestamp: at})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500", err)
	}
}

func TestWebhookNotifierRedactsURLInErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/hooks/secret-token-123"
	srv.Close()

	err := NewWebhookNotifier(target).Record(context.Background(), models.BreakoutEvent{Symbol: "AAPL"})
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if strings.Contains(err.Error(), "secret-token-123") {
		t.Errorf("err = %v, webhook path leaked", err)
	}
}
