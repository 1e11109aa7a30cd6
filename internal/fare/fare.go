// Package fare provides the default Fare Engine: a per-class base fare plus a
// per-kilometre rate with tax on top.
package fare

import (
	"context"
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidDistance = errors.New("distance must be a finite non-negative number")

// Quoter is the Fare Engine contract consumed by the lifecycle engine.
type Quoter interface {
	Quote(ctx context.Context, distanceKm float64, class models.VehicleClass) (Breakdown, error)
}

type Breakdown struct {
	BaseFare     float64 `json:"baseFare"`
	DistanceFare float64 `json:"distanceFare"`
	Tax          float64 `json:"tax"`
	Total        float64 `json:"total"`
}

type Rate struct {
	Base  float64
	PerKm float64
}

type Table struct {
	Rates   map[models.VehicleClass]Rate
	Default Rate
	TaxRate float64
}

func DefaultTable() *Table {
	return &Table{
		Rates: map[models.VehicleClass]Rate{
			models.ClassAuto:    {Base: 25, PerKm: 10},
			models.ClassMini:    {Base: 35, PerKm: 12},
			models.ClassCompact: {Base: 35, PerKm: 12},
			models.ClassSedan:   {Base: 45, PerKm: 18},
			models.ClassSUV:     {Base: 60, PerKm: 25},
		},
		Default: Rate{Base: 35, PerKm: 12},
		TaxRate: 0.05,
	}
}

func (t *Table) Quote(ctx context.Context, distanceKm float64, class models.VehicleClass) (Breakdown, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return Breakdown{}, ErrInvalidDistance
	}
	rate, ok := t.Rates[class]
	if !ok {
		rate = t.Default
	}
	distanceFare := distanceKm * rate.PerKm
	subtotal := rate.Base + distanceFare
	tax := subtotal * t.TaxRate
	return Breakdown{
		BaseFare:     rate.Base,
		DistanceFare: math.Round(distanceFare),
		Tax:          math.Round(tax),
		Total:        math.Round(subtotal + tax),
	}, nil
}
