package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetIsSingleton(t *testing.T) {
	if Get() != Get() {
		t.Fatal("Get() should return the shared instance")
	}
}

func TestGenerationCounter(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("committed", "passed"))
	m.GenerationsTotal.WithLabelValues("committed", "passed").Inc()
	after := testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("committed", "passed"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}
