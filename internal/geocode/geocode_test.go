package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/school-run/internal/models"
)

func TestNominatimGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "school-run-test", r.Header.Get("User-Agent"))
		if r.URL.Query().Get("q") == "Nowhere 0" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"lat":"-33.4489","lon":"-70.6693"}]`))
	}))
	defer srv.Close()

	c := NewNominatimClient(srv.URL, "school-run-test")
	loc, err := c.Geocode(context.Background(), "Av. Libertador 100, Santiago")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: -33.4489, Lon: -70.6693}, loc)

	_, err = c.Geocode(context.Background(), "Nowhere 0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Geocode(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNominatimUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewNominatimClient(srv.URL, "").Geocode(context.Background(), "somewhere")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

type stubGeocoder struct {
	calls int
	err   error
}

func (s *stubGeocoder) Geocode(_ context.Context, _ string) (models.Coord, error) {
	s.calls++
	if s.err != nil {
		return models.Coord{}, s.err
	}
	return models.Coord{Lat: 1, Lon: 2}, nil
}

func TestCachedNormalizesKeyAndSkipsFailures(t *testing.T) {
	next := &stubGeocoder{}
	c := NewCached(next, 8, time.Hour)
	_, err := c.Geocode(context.Background(), "Main  St 1")
	require.NoError(t, err)
	_, err = c.Geocode(context.Background(), "main st 1")
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)

	failing := &stubGeocoder{err: ErrNotFound}
	fc := NewCached(failing, 8, time.Hour)
	_, _ = fc.Geocode(context.Background(), "x")
	_, _ = fc.Geocode(context.Background(), "x")
	assert.Equal(t, 2, failing.calls)
}
