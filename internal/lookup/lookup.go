// Package lookup queries external directories for nearby healthcare
// facilities and practitioners.
//
// Two collaborators live here: PlacesClient wraps the Google Places Nearby
// Search endpoint, and DoctorDirectory wraps the Doctolib public search.
// Both return bounded result sets and report non-2xx responses as *HTTPError
// so the triage responders can log and skip a failed section.
package lookup

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultRadiusMeters is the search radius used when callers pass zero.
	DefaultRadiusMeters = 5000
	// MaxResultsPerQuery caps every facility query and every speciality query.
	MaxResultsPerQuery = 5
	// MaxSpecialities caps the number of specialities searched per call.
	MaxSpecialities = 3
	// DefaultTimeout bounds a single lookup request.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// Facility categories understood by the Places API.
const (
	CategoryPharmacy = "pharmacy"
	CategoryHospital = "hospital"
)

// HTTPError captures a non-2xx response from a directory.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("lookup: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Facility is a nearby place such as a pharmacy or hospital.
type Facility struct {
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
}

// MapsURL returns a Google Maps search link for the facility position.
func (f Facility) MapsURL() string {
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%f,%f", f.Latitude, f.Longitude)
}

// String renders the facility as a single listing line.
func (f Facility) String() string {
	if f.Address != "" {
		return fmt.Sprintf("%s, %s (%s)", f.Name, f.Address, f.MapsURL())
	}
	return fmt.Sprintf("%s (%s)", f.Name, f.MapsURL())
}

// Doctor is a practitioner listed by the doctor directory.
type Doctor struct {
	Name       string
	Speciality string
	Address    string
	City       string
	URL        string
}

// String renders the doctor as a single listing line.
func (d Doctor) String() string {
	s := d.Name
	if d.Speciality != "" {
		s += " (" + d.Speciality + ")"
	}
	if d.Address != "" || d.City != "" {
		s += " - " + joinNonEmpty(", ", d.Address, d.City)
	}
	if d.URL != "" {
		s += " " + d.URL
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

// doRequest executes req and returns the body of a 2xx response.
func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	url := req.URL.String()
	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		slog.Debug("lookup.doRequest: transport error", "url", url, "error", err)
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	slog.Debug("lookup.doRequest: ok", "url", url, "status", res.StatusCode, "bytes", len(buf), "elapsed", time.Since(start))
	return buf, nil
}
