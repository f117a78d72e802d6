package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndCount(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	m.Register(reg)

	m.CommandsReceived.WithLabelValues("parse_document").Inc()
	m.CommandsReceived.WithLabelValues("parse_document").Inc()
	m.CommandsReceived.WithLabelValues("split_document").Inc()
	m.ParseErrors.Inc()
	m.ObserveParse(2 * time.Second)

	if got := testutil.ToFloat64(m.CommandsReceived.WithLabelValues("parse_document")); got != 2 {
		t.Errorf("expected 2 parse commands, got %g", got)
	}
	if got := testutil.ToFloat64(m.ParseErrors); got != 1 {
		t.Errorf("expected 1 parse error, got %g", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	m.Register(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	m.Register(reg)
}
