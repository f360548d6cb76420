package geo

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// RedisGeo implements Positions using Redis GEO commands, so positions written
// by the location consumer are visible to every API instance.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID ident.ID, loc models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID.String()}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisGeo) Position(ctx context.Context, driverID ident.ID) (models.Coord, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, driverID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Coord{}, false, nil
		}
		return models.Coord{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true, nil
}

func metaKey(id ident.ID) string { return "driver:meta:" + id.String() }
