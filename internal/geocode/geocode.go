package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"github.com/example/school-run/internal/models"
)

// ErrNotFound means the address could not be resolved to coordinates.
var ErrNotFound = errors.New("geocode: address not found")

// Geocoder resolves a postal address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

// NominatimClient talks to an OpenStreetMap Nominatim /search endpoint.
type NominatimClient struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewNominatimClient(endpoint, userAgent string) *NominatimClient {
	return &NominatimClient{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *NominatimClient) Geocode(ctx context.Context, address string) (models.Coord, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return models.Coord{}, ErrNotFound
	}
	params := url.Values{}
	params.Set("q", address)
	params.Set("format", "json")
	params.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+params.Encode(), nil)
	if err != nil {
		return models.Coord{}, err
	}
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Coord{}, fmt.Errorf("geocode status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Coord{}, fmt.Errorf("geocode decode: %w", err)
	}
	if len(out) == 0 {
		return models.Coord{}, ErrNotFound
	}
	lat, err := strconv.ParseFloat(out[0].Lat, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode lat: %w", err)
	}
	lon, err := strconv.ParseFloat(out[0].Lon, 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode lon: %w", err)
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

// Cached keeps resolved addresses in an LRU. Failures are not cached so a
// fixed address is picked up on the next route generation.
type Cached struct {
	next  Geocoder
	cache gcache.Cache
}

func NewCached(next Geocoder, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{
		next:  next,
		cache: gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func (c *Cached) Geocode(ctx context.Context, address string) (models.Coord, error) {
	key := cacheKey(address)
	if v, err := c.cache.Get(key); err == nil {
		if loc, ok := v.(models.Coord); ok {
			return loc, nil
		}
	}
	loc, err := c.next.Geocode(ctx, address)
	if err != nil {
		return models.Coord{}, err
	}
	_ = c.cache.Set(key, loc)
	return loc, nil
}

func cacheKey(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}
