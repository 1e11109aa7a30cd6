package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDriverStore keeps driver positions in a GEO set and attributes in a
// hash per driver.
type RedisDriverStore struct {
	client *redis.Client
	geoKey string
}

func NewRedisDriverStore(client *redis.Client, geoKey string) *RedisDriverStore {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &RedisDriverStore{client: client, geoKey: geoKey}
}

func MetaKey(id string) string { return "driver:meta:" + id }

func (r *RedisDriverStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	fields := map[string]any{
		"user_id":        d.UserID,
		"vehicle_class":  string(d.VehicleClass),
		"vehicle_model":  d.VehicleModel,
		"vehicle_number": d.VehicleNumber,
		"rating":         strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":         strconv.FormatBool(d.Online),
		"active":         strconv.FormatBool(d.Active),
		"updated":        d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := r.client.HSet(ctx, MetaKey(d.ID), fields).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if d.Location != nil {
		return r.SaveLocation(ctx, d.ID, *d.Location)
	}
	return nil
}

func (r *RedisDriverStore) SaveLocation(ctx context.Context, driverID string, s models.LocationSample) error {
	s.DriverID = driverID
	_, err := WriteLocation(ctx, r.client, r.geoKey, s)
	return err
}

// saveLocation moves the driver only when the sample is newer than the one
// already stored. KEYS: geo set, meta hash. ARGV: lng, lat, member, heading,
// speed, RFC3339 timestamp, unix micros.
var saveLocation = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'location_us')
if cur and tonumber(cur) >= tonumber(ARGV[7]) then
	return 0
end
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[2], 'heading', ARGV[4], 'speed', ARGV[5], 'location_ts', ARGV[6], 'location_us', ARGV[7])
return 1
`)

// WriteLocation stores s.DriverID's position and reports whether it was
// applied. A sample not newer than the stored one is a no-op, so concurrent
// writers and replayed stream records cannot move a driver backwards.
func WriteLocation(ctx context.Context, c redis.Scripter, geoKey string, s models.LocationSample) (bool, error) {
	n, err := saveLocation.Run(ctx, c, []string{geoKey, MetaKey(s.DriverID)},
		strconv.FormatFloat(s.Lng, 'f', -1, 64),
		strconv.FormatFloat(s.Lat, 'f', -1, 64),
		s.DriverID,
		strconv.FormatFloat(s.Heading, 'f', -1, 64),
		strconv.FormatFloat(s.Speed, 'f', -1, 64),
		s.Timestamp.Format(time.RFC3339Nano),
		s.Timestamp.UnixMicro(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

func (r *RedisDriverStore) LoadDrivers(ctx context.Context) ([]*models.Driver, error) {
	var (
		out    []*models.Driver
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, MetaKey("*"), 200).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, k := range keys {
			id := k[len(MetaKey("")):]
			d, err := r.loadDriver(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *RedisDriverStore) loadDriver(ctx context.Context, id string) (*models.Driver, error) {
	m, err := r.client.HGetAll(ctx, MetaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d := &models.Driver{
		ID:            id,
		UserID:        m["user_id"],
		VehicleClass:  models.VehicleClass(m["vehicle_class"]),
		VehicleModel:  m["vehicle_model"],
		VehicleNumber: m["vehicle_number"],
		Online:        m["online"] == "true",
		Active:        m["active"] != "false",
	}
	d.Rating, _ = strconv.ParseFloat(m["rating"], 64)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated"])

	pos, err := r.client.GeoPos(ctx, r.geoKey, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(pos) == 1 && pos[0] != nil {
		s := models.LocationSample{DriverID: id, Lat: pos[0].Latitude, Lng: pos[0].Longitude}
		s.Heading, _ = strconv.ParseFloat(m["heading"], 64)
		s.Speed, _ = strconv.ParseFloat(m["speed"], 64)
		s.Timestamp, _ = time.Parse(time.RFC3339Nano, m["location_ts"])
		d.Location = &s
	}
	return d, nil
}
