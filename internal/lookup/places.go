package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	defaultPlacesURL = "https://places.googleapis.com/v1/places:searchNearby"
	placesFieldMask  = "places.displayName,places.formattedAddress,places.location"
)

// ErrMissingPlacesAPIKey is returned when a facility search runs without credentials.
var ErrMissingPlacesAPIKey = errors.New("PLACES_API_KEY not set")

// PlacesOption configures a PlacesClient.
type PlacesOption func(*PlacesClient)

// WithPlacesAPIKey sets the Google Places API key.
func WithPlacesAPIKey(key string) PlacesOption {
	return func(c *PlacesClient) { c.apiKey = strings.TrimSpace(key) }
}

// WithPlacesURL overrides the Nearby Search endpoint.
func WithPlacesURL(url string) PlacesOption {
	return func(c *PlacesClient) { c.endpoint = url }
}

// WithPlacesHTTPClient overrides the HTTP client.
func WithPlacesHTTPClient(hc *http.Client) PlacesOption {
	return func(c *PlacesClient) { c.httpClient = hc }
}

// PlacesClient finds nearby facilities with the Google Places API (New).
type PlacesClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewPlacesClient creates a PlacesClient with the given options.
func NewPlacesClient(opts ...PlacesOption) *PlacesClient {
	c := &PlacesClient{
		endpoint:   defaultPlacesURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type nearbyRequest struct {
	IncludedTypes       []string            `json:"includedTypes"`
	MaxResultCount      int                 `json:"maxResultCount"`
	LocationRestriction locationRestriction `json:"locationRestriction"`
}

type locationRestriction struct {
	Circle circle `json:"circle"`
}

type circle struct {
	Center latLng `json:"center"`
	Radius int    `json:"radius"`
}

type latLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type nearbyResponse struct {
	Places []struct {
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
		FormattedAddress string `json:"formattedAddress"`
		Location         latLng `json:"location"`
	} `json:"places"`
}

// NearbyFacilities returns at most five facilities of the given category
// within radius meters of (lat, lon). A zero radius uses DefaultRadiusMeters.
func (c *PlacesClient) NearbyFacilities(ctx context.Context, lat, lon float64, radius int, category string) ([]Facility, error) {
	if c.apiKey == "" {
		return nil, ErrMissingPlacesAPIKey
	}
	if category == "" {
		return nil, errors.New("lookup: facility category must not be empty")
	}
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}

	body, err := json.Marshal(nearbyRequest{
		IncludedTypes:  []string{category},
		MaxResultCount: MaxResultsPerQuery,
		LocationRestriction: locationRestriction{
			Circle: circle{Center: latLng{Latitude: lat, Longitude: lon}, Radius: radius},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup: marshal places request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lookup: create places request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", placesFieldMask)

	raw, err := doRequest(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("lookup: places request failed: %w", err)
	}

	var payload nearbyResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("lookup: decode places response: %w", err)
	}

	facilities := make([]Facility, 0, len(payload.Places))
	for _, p := range payload.Places {
		if len(facilities) == MaxResultsPerQuery {
			break
		}
		name := strings.TrimSpace(p.DisplayName.Text)
		if name == "" {
			continue
		}
		facilities = append(facilities, Facility{
			Name:      name,
			Address:   strings.TrimSpace(p.FormattedAddress),
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
		})
	}
	slog.Debug("PlacesClient.NearbyFacilities: found facilities", "category", category, "count", len(facilities))
	return facilities, nil
}
