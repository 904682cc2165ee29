package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testRule() models.Rule {
	return models.Rule{
		ID:        "r1",
		OwnerID:   "owner-1",
		Symbol:    "AAPL",
		Operator:  models.CrossesAbove,
		Threshold: decimal.RequireFromString("180"),
		Active:    true,
		Version:   1,
	}
}

func testFire() models.FireEvent {
	at := time.Date(2024, 5, 2, 14, 30, 0, 0, time.UTC)
	return models.FireEvent{
		ID:          "0190d3e4-fire",
		RuleID:      "r1",
		RuleVersion: 1,
		Symbol:      "AAPL",
		Operator:    models.CrossesAbove,
		Threshold:   decimal.RequireFromString("180"),
		Value:       decimal.RequireFromString("181.25"),
		QuoteAt:     at,
		FiredAt:     at,
	}
}

func testMessage(t *testing.T) Message {
	t.Helper()
	msg, err := Render(testRule(), testFire())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return msg
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	target := models.ChannelTarget{Kind: KindTelegram, Address: "-100123"}

	if err := notifier.Send(context.Background(), target, testMessage(t)); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}
	if received["chat_id"] != "-100123" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode 应为 HTML: %#v", received)
	}
	if !strings.Contains(received["text"], "<b>Stock Alert: AAPL</b>") {
		t.Fatalf("text 缺少标题: %q", received["text"])
	}
}

func TestTelegramNotifierClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      map[string]any
		permanent bool
	}{
		{name: "ok false", status: http.StatusOK, body: map[string]any{"ok": false}, permanent: false},
		{name: "chat not found", status: http.StatusBadRequest, body: map[string]any{"ok": false, "description": "Bad Request: chat not found"}, permanent: true},
		{name: "bot blocked", status: http.StatusForbidden, body: map[string]any{"ok": false}, permanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: map[string]any{"ok": false}, permanent: false},
		{name: "server error", status: http.StatusBadGateway, body: map[string]any{}, permanent: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
			err := notifier.Send(context.Background(), models.ChannelTarget{Kind: KindTelegram, Address: "42"}, testMessage(t))
			if err == nil {
				t.Fatal("expected an error")
			}
			if IsPermanent(err) != tc.permanent {
				t.Fatalf("permanent=%v, want %v (%v)", IsPermanent(err), tc.permanent, err)
			}
		})
	}
}

func TestTelegramNotifierMalformedChatID(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	for _, addr := range []string{"", "not a chat", "12ab", "@x"} {
		err := notifier.Send(context.Background(), models.ChannelTarget{Kind: KindTelegram, Address: addr}, testMessage(t))
		if !IsPermanent(err) {
			t.Fatalf("chat id %q: expected permanent error, got %v", addr, err)
		}
	}
	if calls != 0 {
		t.Fatalf("malformed targets must not reach the API, got %d calls", calls)
	}
}

func TestSendErrorClasses(t *testing.T) {
	base := errors.New("boom")

	if IsPermanent(base) {
		t.Fatal("unclassified errors are transient")
	}
	if IsPermanent(Transient(base)) {
		t.Fatal("Transient must not be permanent")
	}
	wrapped := Permanent(base)
	if !IsPermanent(wrapped) || !errors.Is(wrapped, base) {
		t.Fatalf("Permanent should wrap and classify: %v", wrapped)
	}
	if Permanent(nil) != nil || Transient(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewMemoryAdapter("email"), NewLogAdapter(testLogger()))

	if _, err := reg.Lookup("email"); err != nil {
		t.Fatalf("lookup email: %v", err)
	}
	if _, err := reg.Lookup("sms"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if got := strings.Join(reg.Kinds(), ","); got != "email,log" {
		t.Fatalf("unexpected kinds %q", got)
	}
}

func TestRenderIsPure(t *testing.T) {
	a := testMessage(t)
	b := testMessage(t)
	if a.Subject != b.Subject || a.Text != b.Text || a.HTML != b.HTML || a.Chat != b.Chat {
		t.Fatal("render must be deterministic")
	}

	if a.Subject != "Stock Alert: AAPL crossed above 180" {
		t.Fatalf("unexpected subject %q", a.Subject)
	}
	if !strings.Contains(a.Text, "Price 181.25 crossed above 180") {
		t.Fatalf("unexpected text %q", a.Text)
	}
	if !strings.Contains(a.HTML, "Stock Price Alert") || !strings.Contains(a.HTML, "181.25") {
		t.Fatalf("unexpected html %q", a.HTML)
	}
	if a.OwnerID != "owner-1" || a.Fire.ID != "0190d3e4-fire" {
		t.Fatalf("message lost its context: %+v", a)
	}
}

func TestRenderChangeFromPreviousClose(t *testing.T) {
	cases := []struct {
		name   string
		prev   string
		change string
		marker string
		color  string
	}{
		{name: "up", prev: "175", change: "+3.57%", marker: "🟢", color: "color: green"},
		{name: "down", prev: "190", change: "-4.61%", marker: "🔴", color: "color: red"},
		{name: "flat", prev: "181.25", change: "+0.00%", marker: "🟢", color: "color: green"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fire := testFire()
			prev := decimal.RequireFromString(tc.prev)
			fire.PreviousClose = &prev
			msg, err := Render(testRule(), fire)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if !strings.Contains(msg.Text, "Change: "+tc.change+"\n") {
				t.Fatalf("text missing change %s: %q", tc.change, msg.Text)
			}
			if !strings.Contains(msg.Chat, "Change: "+tc.marker+" "+tc.change) {
				t.Fatalf("chat missing change %s: %q", tc.change, msg.Chat)
			}
			// html/template escapes the plus sign.
			if !strings.Contains(msg.HTML, tc.color) || !strings.Contains(msg.HTML, strings.TrimPrefix(tc.change, "+")) {
				t.Fatalf("html missing %s change %s: %q", tc.color, tc.change, msg.HTML)
			}
		})
	}
}

func TestRenderOmitsChangeWithoutPreviousClose(t *testing.T) {
	msg := testMessage(t)
	if strings.Contains(msg.Text, "Change:") || strings.Contains(msg.Chat, "Change:") || strings.Contains(msg.HTML, "Change:") {
		t.Fatalf("no previous close, no change line: %q", msg.Text)
	}

	fire := testFire()
	zero := decimal.Zero
	fire.PreviousClose = &zero
	msg, err := Render(testRule(), fire)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(msg.Text, "Change:") {
		t.Fatalf("zero previous close must not render a change: %q", msg.Text)
	}
}

func TestRenderEscapesSymbol(t *testing.T) {
	fire := testFire()
	fire.Symbol = "<X&Y>"
	msg, err := Render(testRule(), fire)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(msg.Chat, "<X&Y>") || strings.Contains(msg.HTML, "<X&Y>") {
		t.Fatal("symbol must be escaped in markup")
	}
}

func TestMemoryAdapterScript(t *testing.T) {
	a := NewMemoryAdapter("chat")
	target := models.ChannelTarget{ID: "c1", Kind: "chat", Address: "1"}
	a.Script("c1", Transient(errors.New("timeout")), nil)

	if err := a.Send(context.Background(), target, Message{}); err == nil {
		t.Fatal("first scripted send should fail")
	}
	if err := a.Send(context.Background(), target, Message{}); err != nil {
		t.Fatalf("second send should succeed: %v", err)
	}
	if err := a.Send(context.Background(), target, Message{}); err != nil {
		t.Fatalf("unscripted send should succeed: %v", err)
	}
	if len(a.Deliveries()) != 3 || len(a.Sent("c1")) != 2 {
		t.Fatalf("unexpected recordings: %d deliveries, %d sent", len(a.Deliveries()), len(a.Sent("c1")))
	}
}
