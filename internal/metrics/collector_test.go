package metrics

import (
	"strings"
	"testing"
)

func TestCollector_CounterIsShared(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", "")
	b := c.Counter("x_total", "x", "")
	a.Inc()
	b.Add(2)
	if a != b || a.Value() != 3 {
		t.Fatalf("expected a single counter at 3, got %d", a.Value())
	}
}

func TestCollector_HistogramBuckets(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat_seconds", "latency", "", []float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(10)

	if h.Count() != 3 {
		t.Fatalf("expected 3 observations, got %d", h.Count())
	}
	var sb strings.Builder
	if err := c.WriteText(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{
		`lat_seconds_bucket{le="1"} 1`,
		`lat_seconds_bucket{le="5"} 2`,
		"lat_seconds_count 3",
		"# TYPE lat_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestCollector_WriteTextSortedWithLabels(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "b", "").Inc()
	c.Counter("a_total", "a", `kind="x"`).Add(4)
	c.Gauge("g", "gauge", "").Set(7)

	var sb strings.Builder
	if err := c.WriteText(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	if !strings.Contains(out, `a_total{kind="x"} 4`) || !strings.Contains(out, "g 7") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Index(out, "a_total") > strings.Index(out, "b_total") {
		t.Fatalf("counters should be sorted by name:\n%s", out)
	}
}
