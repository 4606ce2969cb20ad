package billing

import (
	"errors"
	"testing"

	"civicwater/internal/config"
)

func TestSlabTariff(t *testing.T) {
	slabs := config.Default().Billing.Slabs
	cases := map[int64]int64{
		0:   0,
		50:  400,
		100: 800,
		250: 800 + 150*12,
		300: 800 + 2400,
		450: 800 + 2400 + 150*18,
		650: 800 + 2400 + 3600 + 150*25,
	}
	for units, want := range cases {
		got, bands := SlabTariff(units, slabs)
		if got != want {
			t.Fatalf("%d units: got %d want %d", units, got, want)
		}
		var sum int64
		for _, b := range bands {
			sum += b.Units
		}
		if sum != units {
			t.Fatalf("%d units: bands cover %d", units, sum)
		}
	}
}

func TestEstimateReading(t *testing.T) {
	cfg := config.Default().Billing
	e, err := EstimateReading(1250, 1320, cfg)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if e.Consumption != 70 || e.WaterCharge != 840 || e.SewerageCharge != 84 || e.Total != 1074 {
		t.Fatalf("estimate: %+v", e)
	}
	if _, err := EstimateReading(100, 90, cfg); !errors.Is(err, ErrReadingBelowPrevious) {
		t.Fatalf("expected reading error, got %v", err)
	}
}

func TestConnectionFeeAndWindow(t *testing.T) {
	cfg := config.Default().Billing
	fee, err := ConnectionFee("25MM", cfg)
	if err != nil || fee != 3500 {
		t.Fatalf("fee: %v %d", err, fee)
	}
	if _, err := ConnectionFee("100mm", cfg); !errors.Is(err, ErrUnknownPipeSize) {
		t.Fatalf("unknown pipe: %v", err)
	}
	if SubmissionWindowOpen(24, cfg) || !SubmissionWindowOpen(25, cfg) || !SubmissionWindowOpen(30, cfg) || SubmissionWindowOpen(31, cfg) {
		t.Fatalf("window bounds")
	}
}
