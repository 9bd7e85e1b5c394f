package models

// Speciality identifiers accepted by the doctor directory. Values are directory
// URL slugs, so anything outside this list must never reach a lookup.
const (
	SpecialityGeneralPractitioner = "medecin-generaliste"
)

var allowedSpecialities = map[string]struct{}{
	"allergologue":               {},
	"cardiologue":                {},
	"dentiste":                   {},
	"dermatologue":               {},
	"masseur-kinesitherapeute":   {},
	"medecin-generaliste":        {},
	"ophtalmologue":              {},
	"opticien-lunetier":          {},
	"orl-oto-rhino-laryngologie": {},
	"orthodontiste":              {},
	"osteopathe":                 {},
	"pediatre":                   {},
	"pedicure-podologue":         {},
	"psychiatre":                 {},
	"psychologue":                {},
	"radiologue":                 {},
	"rhumatologue":               {},
	"sage-femme":                 {},
}

// IsAllowedSpeciality reports whether s is on the speciality allow-list.
func IsAllowedSpeciality(s string) bool {
	_, ok := allowedSpecialities[s]
	return ok
}

// AllowedSpecialities returns the allow-list in a stable order.
func AllowedSpecialities() []string {
	return []string{
		"allergologue", "cardiologue", "dentiste", "dermatologue",
		"masseur-kinesitherapeute", "medecin-generaliste", "ophtalmologue",
		"opticien-lunetier", "orl-oto-rhino-laryngologie", "orthodontiste",
		"osteopathe", "pediatre", "pedicure-podologue", "psychiatre",
		"psychologue", "radiologue", "rhumatologue", "sage-femme",
	}
}

// FilterSpecialities drops unknown values and duplicates, keeping input order.
func FilterSpecialities(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if !IsAllowedSpeciality(s) {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
