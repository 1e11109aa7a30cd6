package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrNoDriverAvailable means every radius and retry was exhausted. It is a
// normal market condition, not a fault.
var ErrNoDriverAvailable = errors.New("no driver available")

// Registry is the slice of the driver registry the matcher needs.
type Registry interface {
	Nearby(center models.Point, radiusKm float64, class models.VehicleClass) []geo.Result
	Reserve(driverID, rideID string) bool
	ReleaseIf(ctx context.Context, driverID, rideID string) bool
}

type Config struct {
	RadiiKm      []float64
	RatingBandKm float64
	// MaxRequery bounds how often one radius is re-queried after every
	// candidate was lost to concurrent matches.
	MaxRequery int
}

func DefaultConfig() Config {
	return Config{RadiiKm: []float64{2, 5, 10}, RatingBandKm: 0.5, MaxRequery: 2}
}

// Assignment is a successful reservation.
type Assignment struct {
	DriverID   string       `json:"driverId"`
	DistanceKm float64      `json:"distanceKm"`
	Rating     float64      `json:"rating"`
	Location   models.Point `json:"location"`
	ETASeconds float64      `json:"etaSeconds"`
}

type Service struct {
	Registry Registry
	ETA      *eta.Estimator
	Config   Config
	Logger   *slog.Logger
}

// MatchDriver finds and reserves a driver for ride. ctx cancellation is
// checked between radius expansions and reservation attempts; a reservation
// made after cancellation is released before returning.
func (s *Service) MatchDriver(ctx context.Context, ride *models.Ride) (Assignment, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	observability.MatchAttempts.Inc()

	cfg := s.Config
	if len(cfg.RadiiKm) == 0 {
		cfg = DefaultConfig()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tried := make(map[string]struct{})
	for _, radius := range cfg.RadiiKm {
		for requery := 0; requery <= cfg.MaxRequery; requery++ {
			if err := ctx.Err(); err != nil {
				return Assignment{}, err
			}
			cands := s.Registry.Nearby(ride.Pickup, radius, ride.VehicleClass)
			ranked := Rank(exclude(cands, tried), cfg.RatingBandKm)
			if len(ranked) == 0 {
				break
			}
			for _, c := range ranked {
				if err := ctx.Err(); err != nil {
					return Assignment{}, err
				}
				tried[c.DriverID] = struct{}{}
				if !s.Registry.Reserve(c.DriverID, ride.ID) {
					observability.ReservationConflicts.Inc()
					logger.Debug("reservation conflict", "ride_id", ride.ID, "driver_id", c.DriverID)
					continue
				}
				if err := ctx.Err(); err != nil {
					s.Registry.ReleaseIf(context.WithoutCancel(ctx), c.DriverID, ride.ID)
					return Assignment{}, err
				}
				observability.MatchesTotal.Inc()
				route := s.ETA.Estimate(ctx, c.Location, ride.Pickup)
				return Assignment{
					DriverID:   c.DriverID,
					DistanceKm: c.DistanceKm,
					Rating:     c.Rating,
					Location:   c.Location,
					ETASeconds: route.DurationSeconds,
				}, nil
			}
		}
	}
	observability.NoDriverTotal.Inc()
	return Assignment{}, ErrNoDriverAvailable
}

// Rank orders candidates by distance, but inside each band of bandKm
// measured from the nearest remaining candidate the higher rating goes first.
func Rank(cands []geo.Result, bandKm float64) []geo.Result {
	out := append([]geo.Result(nil), cands...)
	geo.SortResults(out)
	if bandKm <= 0 {
		return out
	}
	for i := 0; i < len(out); {
		j := i + 1
		for j < len(out) && out[j].DistanceKm-out[i].DistanceKm <= bandKm {
			j++
		}
		group := out[i:j]
		sort.SliceStable(group, func(a, b int) bool {
			if group[a].Rating != group[b].Rating {
				return group[a].Rating > group[b].Rating
			}
			return false
		})
		i = j
	}
	return out
}

func exclude(cands []geo.Result, tried map[string]struct{}) []geo.Result {
	if len(tried) == 0 {
		return cands
	}
	out := make([]geo.Result, 0, len(cands))
	for _, c := range cands {
		if _, ok := tried[c.DriverID]; !ok {
			out = append(out, c)
		}
	}
	return out
}
