package ingestion_test

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qeuro/internal/fixedpoint"
	"qeuro/internal/ingestion"
)

// ============================================================
// Tick parsing
// ============================================================

func TestParseObservation(t *testing.T) {
	data := []byte(`{"feed_id":"eurusd","price":"1.0834","sequence":42,"source":"agg-1","timestamp_us":1767225600000000}`)

	obs, err := ingestion.ParseObservation(data)
	if err != nil {
		t.Fatalf("ParseObservation: %v", err)
	}
	if obs.FeedID != "eurusd" || obs.Sequence != 42 || obs.Source != "agg-1" {
		t.Fatalf("obs = %+v", obs)
	}
	if fixedpoint.Format(obs.Price) != "1.0834" {
		t.Fatalf("price = %s, want 1.0834", fixedpoint.Format(obs.Price))
	}
	want := time.UnixMicro(1767225600000000).UTC()
	if !obs.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", obs.Timestamp, want)
	}
}

func TestParseObservationRejects(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"malformed json", `{"feed_id":`},
		{"empty feed id", `{"feed_id":"","price":"1.08","sequence":1,"timestamp_us":1}`},
		{"zero sequence", `{"feed_id":"eurusd","price":"1.08","sequence":0,"timestamp_us":1}`},
		{"zero timestamp", `{"feed_id":"eurusd","price":"1.08","sequence":1,"timestamp_us":0}`},
		{"zero price", `{"feed_id":"eurusd","price":"0","sequence":1,"timestamp_us":1}`},
		{"negative price", `{"feed_id":"eurusd","price":"-1.08","sequence":1,"timestamp_us":1}`},
		{"non-numeric price", `{"feed_id":"eurusd","price":"abc","sequence":1,"timestamp_us":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseObservation([]byte(tc.data)); err == nil {
				t.Fatalf("accepted %s", tc.data)
			}
		})
	}
}

// ============================================================
// Feed cache sequencing
// ============================================================

func tick(feedID string, seq int64, price string, at time.Time) ingestion.Observation {
	v, err := fixedpoint.FromDecimalString(price)
	if err != nil {
		panic(err)
	}
	return ingestion.Observation{FeedID: feedID, Price: v, Sequence: seq, Source: "test", Timestamp: at}
}

func TestFeedCacheServesLatest(t *testing.T) {
	cache := ingestion.NewFeedCache(zerolog.Nop(), nil)
	now := time.Now().UTC()

	if !cache.Apply(tick("eurusd", 1, "1.08", now)) {
		t.Fatal("first tick dropped")
	}
	if !cache.Apply(tick("eurusd", 2, "1.09", now.Add(time.Second))) {
		t.Fatal("second tick dropped")
	}

	obs, err := cache.Read("eurusd")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fixedpoint.Format(obs.Value) != "1.09" {
		t.Fatalf("value = %s, want 1.09", fixedpoint.Format(obs.Value))
	}
}

func TestFeedCacheDropsStaleTicks(t *testing.T) {
	cache := ingestion.NewFeedCache(zerolog.Nop(), nil)
	now := time.Now().UTC()

	cache.Apply(tick("eurusd", 5, "1.10", now))
	if cache.Apply(tick("eurusd", 4, "1.05", now.Add(time.Second))) {
		t.Fatal("stale tick accepted")
	}
	if cache.Apply(tick("eurusd", 5, "1.05", now.Add(time.Second))) {
		t.Fatal("duplicate tick accepted")
	}

	obs, _ := cache.Read("eurusd")
	if fixedpoint.Format(obs.Value) != "1.1" {
		t.Fatalf("redelivery rewound the cache to %s", fixedpoint.Format(obs.Value))
	}
}

func TestFeedCacheToleratesGaps(t *testing.T) {
	cache := ingestion.NewFeedCache(zerolog.Nop(), nil)
	now := time.Now().UTC()

	cache.Apply(tick("eurusd", 1, "1.08", now))
	if !cache.Apply(tick("eurusd", 10, "1.12", now.Add(time.Second))) {
		t.Fatal("gapped tick dropped")
	}
	if next := cache.NextSequence("eurusd"); next != 11 {
		t.Fatalf("next sequence = %d, want 11", next)
	}
}

func TestFeedCacheIsolatesFeeds(t *testing.T) {
	cache := ingestion.NewFeedCache(zerolog.Nop(), nil)
	now := time.Now().UTC()

	cache.Apply(tick("eurusd", 1, "1.08", now))
	cache.Apply(tick("usdcusd", 1, "0.9998", now))

	if _, err := cache.Read("usdcusd"); err != nil {
		t.Fatalf("Read usdcusd: %v", err)
	}
	_, err := cache.Read("btcusd")
	if err == nil || !strings.Contains(err.Error(), "no observation") {
		t.Fatalf("expected no-observation error, got %v", err)
	}
}
