package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dealwatch/internal/config"
	"dealwatch/internal/detect"
)

func testPublishConfig() config.PublishConfig {
	return config.PublishConfig{
		Enabled:             true,
		MinPriceDropPercent: 10.0,
		MinDiscountIncrease: 5.0,
		MaxPostsPerHour:     50,
		PostDelay:           0,
	}
}

func dropEvent(id string, oldPrice, newPrice string) detect.Event {
	old := decimal.RequireFromString(oldPrice)
	next := decimal.RequireFromString(newPrice)
	drop, _ := old.Sub(next).Div(old).Mul(decimal.NewFromInt(100)).Float64()
	return detect.Event{
		Platform:         "shop",
		ExternalID:       id,
		OldBaselinePrice: old,
		NewBaselinePrice: next,
		PriceDropPercent: drop,
		At:               time.Now(),
	}
}

func TestSelectKeepsDropsAboveThreshold(t *testing.T) {
	sel := NewSelector(testPublishConfig(), zerolog.Nop())

	selected := sel.Select([]detect.Event{
		dropEvent("big-drop", "1000", "880"), // 12%
		dropEvent("small-drop", "1000", "950"), // 5%
	})

	if len(selected) != 1 {
		t.Fatalf("selected %d events, want 1", len(selected))
	}
	if selected[0].ExternalID != "big-drop" {
		t.Fatalf("selected %s, want big-drop", selected[0].ExternalID)
	}
}

func TestSelectKeepsDiscountIncreases(t *testing.T) {
	sel := NewSelector(testPublishConfig(), zerolog.Nop())

	ev := dropEvent("discounted", "1000", "990") // 1% drop, below threshold
	ev.DiscountIncreasePoints = 7
	selected := sel.Select([]detect.Event{ev})

	if len(selected) != 1 {
		t.Fatalf("selected %d events, want 1 via discount threshold", len(selected))
	}
}

func TestSelectEnforcesHourlyBudget(t *testing.T) {
	cfg := testPublishConfig()
	cfg.MaxPostsPerHour = 3
	sel := NewSelector(cfg, zerolog.Nop())

	var events []detect.Event
	for i := 0; i < 10; i++ {
		events = append(events, dropEvent(fmt.Sprintf("e%d", i), "1000", "800"))
	}

	selected := sel.Select(events)
	if len(selected) != 3 {
		t.Fatalf("selected %d events, want budget of 3", len(selected))
	}

	// Budget persists across cycles within the hour.
	if again := sel.Select(events[:2]); len(again) != 0 {
		t.Fatalf("selected %d events after budget exhausted, want 0", len(again))
	}
}

func TestSelectBudgetWindowSlides(t *testing.T) {
	cfg := testPublishConfig()
	cfg.MaxPostsPerHour = 1
	sel := NewSelector(cfg, zerolog.Nop())

	current := time.Now().UTC()
	sel.now = func() time.Time { return current }

	if got := sel.Select([]detect.Event{dropEvent("first", "1000", "800")}); len(got) != 1 {
		t.Fatalf("first event not selected")
	}
	if got := sel.Select([]detect.Event{dropEvent("second", "1000", "800")}); len(got) != 0 {
		t.Fatalf("second event selected inside the same hour")
	}

	current = current.Add(61 * time.Minute)
	if got := sel.Select([]detect.Event{dropEvent("third", "1000", "800")}); len(got) != 1 {
		t.Fatalf("event not selected after the window slid")
	}
}

func TestSelectZeroThresholdPassesGate(t *testing.T) {
	cfg := testPublishConfig()
	cfg.MinPriceDropPercent = 0
	sel := NewSelector(cfg, zerolog.Nop())

	selected := sel.Select([]detect.Event{
		dropEvent("tiny-drop", "1000", "999"), // 0.1%
		dropEvent("price-rise", "1000", "1100"),
	})

	if len(selected) != 1 || selected[0].ExternalID != "tiny-drop" {
		t.Fatalf("zero drop threshold selected %+v, want only tiny-drop", selected)
	}
}

func TestSelectAppliesPriceBand(t *testing.T) {
	cfg := testPublishConfig()
	cfg.MinPrice = 100
	cfg.MaxPrice = 5000
	sel := NewSelector(cfg, zerolog.Nop())

	selected := sel.Select([]detect.Event{
		dropEvent("too-cheap", "100", "50"),
		dropEvent("in-band", "1000", "800"),
		dropEvent("too-expensive", "10000", "8000"),
	})

	if len(selected) != 1 || selected[0].ExternalID != "in-band" {
		t.Fatalf("price band selected %+v, want only in-band", selected)
	}
}

func TestTelegramSinkPostsMessage(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	sink := NewTelegramSink("token", "@deals", server.URL, time.Second, zerolog.Nop())
	event := dropEvent("p1", "1000", "880")
	event.Title = "Widget"
	event.URL = "https://shop.example/product/p1"

	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if captured["chat_id"] != "@deals" {
		t.Fatalf("chat_id = %q, want @deals", captured["chat_id"])
	}
	if captured["text"] == "" {
		t.Fatal("empty message text")
	}
}

func TestTelegramSinkEscapesScrapedMarkup(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	sink := NewTelegramSink("token", "@deals", server.URL, time.Second, zerolog.Nop())
	event := dropEvent("p1", "1000", "880")
	event.Title = `Laptop 15" <refurb> & charger`
	event.URL = "https://shop.example/product?a=1&b=2"

	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	text := captured["text"]
	if !strings.Contains(text, "&lt;refurb&gt; &amp; charger") {
		t.Fatalf("title not escaped in %q", text)
	}
	if !strings.Contains(text, "a=1&amp;b=2") {
		t.Fatalf("url not escaped in %q", text)
	}
	if strings.Contains(text, "<refurb>") {
		t.Fatalf("raw markup leaked into %q", text)
	}
}

func TestTelegramSinkReportsImageFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/image.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	sink := NewTelegramSink("token", "@deals", server.URL, time.Second, zerolog.Nop())
	event := dropEvent("p1", "1000", "880")
	event.ImageURL = server.URL + "/image.jpg"

	err := sink.Publish(context.Background(), event)
	if !errors.Is(err, ErrImageUnavailable) {
		t.Fatalf("err = %v, want ErrImageUnavailable", err)
	}
}

type fakeSink struct {
	published []string
	fail      map[string]error
}

func (f *fakeSink) Publish(_ context.Context, event detect.Event) error {
	if err := f.fail[event.ExternalID]; err != nil {
		return err
	}
	f.published = append(f.published, event.ExternalID)
	return nil
}

type fakeImageFail struct {
	marks  map[string]int
	resets map[string]int
}

func (f *fakeImageFail) MarkImageFail(_ context.Context, _, externalID string) (int, error) {
	if f.marks == nil {
		f.marks = make(map[string]int)
	}
	f.marks[externalID]++
	return f.marks[externalID], nil
}

func (f *fakeImageFail) ResetImageFail(_ context.Context, _, externalID string) error {
	if f.resets == nil {
		f.resets = make(map[string]int)
	}
	f.resets[externalID]++
	return nil
}

func TestPublisherFoldsImageFailures(t *testing.T) {
	sink := &fakeSink{fail: map[string]error{
		"no-image": fmt.Errorf("%w: 404", ErrImageUnavailable),
	}}
	images := &fakeImageFail{}
	pub := NewPublisher(testPublishConfig(), sink, images, zerolog.Nop())

	published, err := pub.Flush(context.Background(), []detect.Event{
		dropEvent("ok", "1000", "800"),
		dropEvent("no-image", "1000", "800"),
	})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if published != 1 {
		t.Fatalf("published = %d, want 1", published)
	}
	if images.marks["no-image"] != 1 {
		t.Fatalf("image failure for no-image marked %d times, want 1", images.marks["no-image"])
	}
	if images.resets["ok"] != 1 {
		t.Fatalf("image counter for ok reset %d times, want 1", images.resets["ok"])
	}
}

func TestPublisherWithoutSinkSelectsNothing(t *testing.T) {
	pub := NewPublisher(testPublishConfig(), nil, nil, zerolog.Nop())
	published, err := pub.Flush(context.Background(), []detect.Event{dropEvent("e", "1000", "800")})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if published != 0 {
		t.Fatalf("published = %d, want 0 without a sink", published)
	}
}
