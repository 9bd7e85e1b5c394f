package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNearbyFacilities_RequestShape(t *testing.T) {
	var got nearbyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		require.Equal(t, placesFieldMask, r.Header.Get("X-Goog-FieldMask"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"places":[
			{"displayName":{"text":"Pharmacie Centrale"},"formattedAddress":"1 Rue de Rivoli, Paris","location":{"latitude":48.85,"longitude":2.35}},
			{"displayName":{"text":"  "},"location":{"latitude":1,"longitude":1}}
		]}`))
	}))
	defer srv.Close()

	c := NewPlacesClient(WithPlacesAPIKey("test-key"), WithPlacesURL(srv.URL))
	facilities, err := c.NearbyFacilities(context.Background(), 48.8566, 2.3522, 0, CategoryPharmacy)
	require.NoError(t, err)
	require.Len(t, facilities, 1)
	require.Equal(t, "Pharmacie Centrale", facilities[0].Name)
	require.Equal(t, "1 Rue de Rivoli, Paris", facilities[0].Address)

	require.Equal(t, []string{CategoryPharmacy}, got.IncludedTypes)
	require.Equal(t, MaxResultsPerQuery, got.MaxResultCount)
	require.Equal(t, DefaultRadiusMeters, got.LocationRestriction.Circle.Radius)
	require.InDelta(t, 48.8566, got.LocationRestriction.Circle.Center.Latitude, 1e-9)
}

func TestNearbyFacilities_CapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var places []map[string]any
		for i := 0; i < 8; i++ {
			places = append(places, map[string]any{"displayName": map[string]any{"text": fmt.Sprintf("H%d", i)}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"places": places})
	}))
	defer srv.Close()

	c := NewPlacesClient(WithPlacesAPIKey("k"), WithPlacesURL(srv.URL))
	facilities, err := c.NearbyFacilities(context.Background(), 0, 0, 1000, CategoryHospital)
	require.NoError(t, err)
	require.Len(t, facilities, MaxResultsPerQuery)
}

func TestNearbyFacilities_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewPlacesClient(WithPlacesAPIKey("k"), WithPlacesURL(srv.URL))
	_, err := c.NearbyFacilities(context.Background(), 0, 0, 0, CategoryPharmacy)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	require.Contains(t, httpErr.Body, "quota exceeded")
}

func TestNearbyFacilities_MissingKey(t *testing.T) {
	c := NewPlacesClient()
	_, err := c.NearbyFacilities(context.Background(), 0, 0, 0, CategoryPharmacy)
	require.ErrorIs(t, err, ErrMissingPlacesAPIKey)
}

func TestFacilityString(t *testing.T) {
	f := Facility{Name: "Hôpital Lariboisière", Address: "2 Rue Ambroise Paré", Latitude: 48.88, Longitude: 2.35}
	require.Contains(t, f.String(), "Hôpital Lariboisière, 2 Rue Ambroise Paré")
	require.Contains(t, f.String(), "https://www.google.com/maps/search/?api=1&query=48.880000,2.350000")
}
