package telemetry

import (
	"context"
	"testing"

	"github.com/ashureev/campusbot/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	t.Parallel()

	tel, err := Setup(context.Background(), config.OTelConfig{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if tel != nil {
		t.Fatal("expected nil telemetry without endpoint")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil = %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	got := ParseHeaders("api-key = abc, x=1=2,broken")
	if got["api-key"] != "abc" || got["x"] != "1=2" || len(got) != 2 {
		t.Fatalf("ParseHeaders() = %v", got)
	}
}
