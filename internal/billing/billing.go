// Package billing computes water charges. Amounts are whole rupees.
package billing

import (
	"errors"
	"fmt"
	"strings"

	"civicwater/internal/config"
)

var (
	ErrReadingBelowPrevious = errors.New("current reading is below previous reading")
	ErrUnknownPipeSize      = errors.New("unknown pipe size")
)

// SlabCharge is one band of a slab tariff breakdown.
type SlabCharge struct {
	From   int64 `json:"from"`
	To     int64 `json:"to,omitempty"`
	Units  int64 `json:"units"`
	Rate   int64 `json:"rate"`
	Amount int64 `json:"amount"`
}

// SlabTariff charges consumption progressively across slabs. A slab with
// UpTo 0 is open-ended and must come last.
func SlabTariff(units int64, slabs []config.Slab) (int64, []SlabCharge) {
	var total int64
	var lower int64
	var out []SlabCharge
	for _, s := range slabs {
		if units <= lower {
			break
		}
		upper := s.UpTo
		band := units - lower
		if upper > 0 && units > upper {
			band = upper - lower
		}
		amt := band * s.Rate
		out = append(out, SlabCharge{From: lower + 1, To: upper, Units: band, Rate: s.Rate, Amount: amt})
		total += amt
		if upper == 0 {
			break
		}
		lower = upper
	}
	return total, out
}

// Estimate is the bill preview shown when a citizen submits a meter reading.
type Estimate struct {
	PreviousReading int64 `json:"previousReading"`
	CurrentReading  int64 `json:"currentReading"`
	Consumption     int64 `json:"consumption"`
	WaterCharge     int64 `json:"waterCharge"`
	FixedCharge     int64 `json:"fixedCharge"`
	SewerageCharge  int64 `json:"sewerageCharge"`
	Total           int64 `json:"total"`
}

// EstimateReading prices consumption at the flat reading rate plus fixed and
// sewerage charges. Sewerage is rounded to the nearest rupee.
func EstimateReading(prev, current int64, cfg config.BillingConfig) (Estimate, error) {
	if current < prev {
		return Estimate{}, fmt.Errorf("%w: %d < %d", ErrReadingBelowPrevious, current, prev)
	}
	e := Estimate{PreviousReading: prev, CurrentReading: current, Consumption: current - prev}
	e.WaterCharge = e.Consumption * cfg.ReadingRate
	e.FixedCharge = cfg.FixedCharge
	e.SewerageCharge = (e.WaterCharge*cfg.SeweragePercent + 50) / 100
	e.Total = e.WaterCharge + e.FixedCharge + e.SewerageCharge
	return e, nil
}

// ConnectionFee is the pipe-size fee plus the processing fee.
func ConnectionFee(pipeSize string, cfg config.BillingConfig) (int64, error) {
	fee, ok := cfg.PipeFees[strings.ToLower(strings.TrimSpace(pipeSize))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPipeSize, pipeSize)
	}
	return fee + cfg.ProcessingFee, nil
}

// SubmissionWindowOpen reports whether meter readings are accepted on the
// given day of month.
func SubmissionWindowOpen(day int, cfg config.BillingConfig) bool {
	return day >= cfg.WindowStartDay && day <= cfg.WindowEndDay
}
