package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultDoctolibURL = "https://www.doctolib.fr"
	// urgentVisitMotiveID filters Doctolib results to practitioners offering urgent slots.
	urgentVisitMotiveID = "116"
)

// DirectoryOption configures a DoctorDirectory.
type DirectoryOption func(*DoctorDirectory)

// WithDirectoryURL overrides the directory base URL.
func WithDirectoryURL(base string) DirectoryOption {
	return func(d *DoctorDirectory) { d.baseURL = strings.TrimRight(base, "/") }
}

// WithDirectoryHTTPClient overrides the HTTP client.
func WithDirectoryHTTPClient(hc *http.Client) DirectoryOption {
	return func(d *DoctorDirectory) { d.httpClient = hc }
}

// DoctorDirectory searches Doctolib for practitioners near a position.
type DoctorDirectory struct {
	baseURL    string
	httpClient *http.Client
}

// NewDoctorDirectory creates a DoctorDirectory with the given options.
func NewDoctorDirectory(opts ...DirectoryOption) *DoctorDirectory {
	d := &DoctorDirectory{
		baseURL:    defaultDoctolibURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type doctolibResponse struct {
	Data struct {
		Doctors []struct {
			NameWithTitle string `json:"name_with_title"`
			Speciality    string `json:"speciality"`
			Address       string `json:"address"`
			ZipCode       string `json:"zipcode"`
			City          string `json:"city"`
			Link          string `json:"link"`
		} `json:"doctors"`
	} `json:"data"`
}

// FindDoctors searches the first three specialities and returns at most five
// doctors per speciality, flattened in speciality order. The first failing
// speciality aborts the search.
func (d *DoctorDirectory) FindDoctors(ctx context.Context, specialities []string, lat, lon float64, urgent bool) ([]Doctor, error) {
	if len(specialities) > MaxSpecialities {
		specialities = specialities[:MaxSpecialities]
	}

	var doctors []Doctor
	for _, speciality := range specialities {
		found, err := d.searchSpeciality(ctx, speciality, lat, lon, urgent)
		if err != nil {
			return nil, err
		}
		doctors = append(doctors, found...)
	}
	slog.Debug("DoctorDirectory.FindDoctors: found doctors", "specialities", specialities, "urgent", urgent, "count", len(doctors))
	return doctors, nil
}

func (d *DoctorDirectory) searchSpeciality(ctx context.Context, speciality string, lat, lon float64, urgent bool) ([]Doctor, error) {
	endpoint := d.baseURL + "/" + url.PathEscape(speciality) + "/"
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("page", "1")
	if urgent {
		q.Set("ref_visit_motive_id", urgentVisitMotiveID)
	}
	full := endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("lookup: create directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", full)

	raw, err := doRequest(d.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("lookup: directory request for %s failed: %w", speciality, err)
	}

	var payload doctolibResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("lookup: decode directory response: %w", err)
	}

	out := make([]Doctor, 0, MaxResultsPerQuery)
	for _, doc := range payload.Data.Doctors {
		if len(out) == MaxResultsPerQuery {
			break
		}
		link := doc.Link
		if link != "" && strings.HasPrefix(link, "/") {
			link = d.baseURL + link
		}
		out = append(out, Doctor{
			Name:       strings.TrimSpace(doc.NameWithTitle),
			Speciality: strings.TrimSpace(doc.Speciality),
			Address:    strings.TrimSpace(doc.Address),
			City:       strings.TrimSpace(joinNonEmpty(" ", doc.ZipCode, doc.City)),
			URL:        link,
		})
	}
	return out, nil
}
