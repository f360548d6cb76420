package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// flakyPositions implements geo.Positions for tests
type flakyPositions struct {
	fail  int // number of times to fail Upsert before succeeding
	calls int
	last  ident.ID
}

func (f *flakyPositions) Upsert(ctx context.Context, driverID ident.ID, loc models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis unavailable")
	}
	f.last = driverID
	return nil
}

func (f *flakyPositions) Position(ctx context.Context, driverID ident.ID) (models.Coord, bool, error) {
	return models.Coord{}, false, nil
}

var _ geo.Positions = (*flakyPositions)(nil)

func TestUpdatePositionWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyPositions{fail: 2}
	loc := models.DriverLocation{DriverID: "9.876.543-k", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := updatePositionWithRetry(context.Background(), f, loc, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if f.last != "9876543K" {
		t.Fatalf("expected canonical driver id, got %q", f.last)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected exponential backoff between attempts")
	}
}

func TestUpdatePositionWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyPositions{fail: 5}
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	if err := updatePositionWithRetry(context.Background(), f, loc, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestHandleMessageRejectsInvalidSamples(t *testing.T) {
	f := &flakyPositions{}
	cases := []kafka.Message{
		{Value: []byte("{")},
		{Key: []byte("D1"), Value: []byte(`{"loc":{"lat":95,"lon":0}}`)},
		{Value: []byte(`{"driver_id":"--","loc":{"lat":1,"lon":1}}`)},
	}
	for i, m := range cases {
		if err := handleMessage(context.Background(), f, m, 1, time.Millisecond); !errors.Is(err, errInvalidMessage) {
			t.Fatalf("case %d: expected invalid message, got %v", i, err)
		}
	}
	if f.calls != 0 {
		t.Fatalf("invalid samples must not reach the position store")
	}

	ok := kafka.Message{Key: []byte("D1"), Value: []byte(`{"loc":{"lat":1,"lon":1}}`)}
	if err := handleMessage(context.Background(), f, ok, 1, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
