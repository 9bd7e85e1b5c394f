package triage

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/TriagePipe/internal/lookup"
	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Section titles appended to enriched replies.
const (
	TitlePharmacies = "Recommended Pharmacies"
	TitleHospitals  = "Recommended Hospitals"
	TitleDoctors    = "Recommended Doctors"
)

// FacilityFinder looks up nearby facilities of a category.
type FacilityFinder interface {
	NearbyFacilities(ctx context.Context, lat, lon float64, radius int, category string) ([]lookup.Facility, error)
}

// DoctorFinder looks up practitioners for a list of specialities.
type DoctorFinder interface {
	FindDoctors(ctx context.Context, specialities []string, lat, lon float64, urgent bool) ([]lookup.Doctor, error)
}

// EnrichmentRequest describes the lookups for one reply.
type EnrichmentRequest struct {
	Location         models.Location
	FacilityCategory string
	FacilityTitle    string
	Specialities     []string // already filtered through the allow-list
	Urgent           bool
}

// Enricher appends facility and doctor listings to a reply.
type Enricher struct {
	facilities FacilityFinder
	doctors    DoctorFinder
	radius     int
}

// NewEnricher creates an Enricher. Either finder may be nil to skip its section.
func NewEnricher(facilities FacilityFinder, doctors DoctorFinder) *Enricher {
	return &Enricher{facilities: facilities, doctors: doctors, radius: lookup.DefaultRadiusMeters}
}

// Enrich runs the facility and doctor lookups concurrently and returns the
// formatted sections, facilities first. A failed lookup is logged and its
// section omitted; the other section is unaffected.
func (e *Enricher) Enrich(ctx context.Context, threadID string, req EnrichmentRequest) string {
	var (
		wg         sync.WaitGroup
		facilities []lookup.Facility
		doctors    []lookup.Doctor
	)
	lat, lon := req.Location.Latitude, req.Location.Longitude

	if e.facilities != nil && req.FacilityCategory != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := e.facilities.NearbyFacilities(ctx, lat, lon, e.radius, req.FacilityCategory)
			if err != nil {
				slog.Warn("Enricher.Enrich: facility lookup failed", "threadID", threadID, "category", req.FacilityCategory,
					"error", newError(KindEnrichment, "NearbyFacilities", err))
				return
			}
			facilities = found
		}()
	}

	if e.doctors != nil && len(req.Specialities) > 0 {
		specialities := req.Specialities
		if len(specialities) > lookup.MaxSpecialities {
			specialities = specialities[:lookup.MaxSpecialities]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := e.doctors.FindDoctors(ctx, specialities, lat, lon, req.Urgent)
			if err != nil {
				slog.Warn("Enricher.Enrich: doctor lookup failed", "threadID", threadID, "specialities", specialities,
					"error", newError(KindEnrichment, "FindDoctors", err))
				return
			}
			doctors = found
		}()
	}
	wg.Wait()

	var b strings.Builder
	writeSection(&b, req.FacilityTitle, facilities)
	writeSection(&b, TitleDoctors, doctors)
	slog.Debug("Enricher.Enrich: done", "threadID", threadID, "facilities", len(facilities), "doctors", len(doctors))
	return b.String()
}

func writeSection[T interface{ String() string }](b *strings.Builder, title string, entries []T) {
	if len(entries) == 0 {
		return
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = "- " + e.String()
	}
	b.WriteString("\n\n**" + title + "**\n")
	b.WriteString(strings.Join(lines, "\n"))
}
