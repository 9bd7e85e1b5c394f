package triage

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/lookup"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/stretchr/testify/require"
)

func TestEnrich_FormatsSections(t *testing.T) {
	facilities := &fakeFacilities{result: []lookup.Facility{{Name: "Hôpital Lariboisière", Address: "2 rue Ambroise Paré"}}}
	doctors := &fakeDoctors{result: []lookup.Doctor{{Name: "Dr Martin", Speciality: "Médecin généraliste"}}}
	e := NewEnricher(facilities, doctors)

	out := e.Enrich(context.Background(), "t1", EnrichmentRequest{
		Location:         *paris,
		FacilityCategory: lookup.CategoryHospital,
		FacilityTitle:    TitleHospitals,
		Specialities:     []string{models.SpecialityGeneralPractitioner},
		Urgent:           true,
	})

	want := "\n\n**" + TitleHospitals + "**\n- " + facilities.result[0].String() +
		"\n\n**" + TitleDoctors + "**\n- " + doctors.result[0].String()
	require.Equal(t, want, out)
	require.True(t, doctors.urgent)
}

func TestEnrich_BothFail(t *testing.T) {
	e := NewEnricher(&fakeFacilities{err: errors.New("quota")}, &fakeDoctors{err: errors.New("blocked")})
	out := e.Enrich(context.Background(), "t1", EnrichmentRequest{
		Location:         *paris,
		FacilityCategory: lookup.CategoryPharmacy,
		FacilityTitle:    TitlePharmacies,
		Specialities:     []string{"dermatologue"},
	})
	require.Empty(t, out)
}

func TestEnrich_TruncatesSpecialities(t *testing.T) {
	doctors := &fakeDoctors{}
	e := NewEnricher(nil, doctors)
	e.Enrich(context.Background(), "t1", EnrichmentRequest{
		Location:     *paris,
		Specialities: []string{"dermatologue", "cardiologue", "dentiste", "pediatre"},
	})
	require.Equal(t, []string{"dermatologue", "cardiologue", "dentiste"}, doctors.specialities)
}

func TestEnrich_NilFindersAndEmptyResults(t *testing.T) {
	out := NewEnricher(nil, nil).Enrich(context.Background(), "t1", EnrichmentRequest{
		Location:         *paris,
		FacilityCategory: lookup.CategoryPharmacy,
		FacilityTitle:    TitlePharmacies,
		Specialities:     []string{"dermatologue"},
	})
	require.Empty(t, out)

	out = NewEnricher(&fakeFacilities{}, &fakeDoctors{}).Enrich(context.Background(), "t1", EnrichmentRequest{
		Location:         *paris,
		FacilityCategory: lookup.CategoryPharmacy,
		FacilityTitle:    TitlePharmacies,
		Specialities:     []string{"dermatologue"},
	})
	require.Empty(t, out)
}
