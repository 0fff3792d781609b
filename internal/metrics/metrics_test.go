package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gridtiles/server/internal/cache"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestProviderInstruments(t *testing.T) {
	t.Parallel()

	p := New("gridtiles")
	p.RenderSeconds.WithLabelValues("demo").Observe(0.02)
	p.ChunkSeconds.WithLabelValues("demo").Observe(0.001)
	p.RequestsTotal.WithLabelValues("/datasets/{dataset}/tiles", "200").Inc()

	body := scrape(t, p)
	for _, want := range []string{
		"gridtiles_render_seconds_bucket",
		`gridtiles_render_seconds_count{dataset="demo"} 1`,
		`gridtiles_chunk_encode_seconds_count{dataset="demo"} 1`,
		`gridtiles_http_requests_total{route="/datasets/{dataset}/tiles",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestObserveCache(t *testing.T) {
	t.Parallel()

	m, err := cache.NewManager(cache.Config{})
	if err != nil {
		t.Fatal(err)
	}
	p := New("gridtiles")
	p.ObserveCache("gridtiles", m.Stats)

	m.Put("k", &cache.Entry{Payload: []byte("abcdef"), Cost: time.Millisecond})
	m.Get("k")
	m.Get("absent")

	body := scrape(t, p)
	for _, want := range []string{
		"gridtiles_cache_hits_total 1",
		"gridtiles_cache_misses_total 1",
		"gridtiles_cache_evictions_total 0",
		"gridtiles_cache_payload_bytes 6",
		"gridtiles_cache_payload_entries 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilProviderObserveCache(t *testing.T) {
	t.Parallel()

	var p *Provider
	p.ObserveCache("gridtiles", func() cache.Stats { return cache.Stats{} })
}
