package country

import (
	"sort"
	"strings"

	"github.com/idanyas/digitaldash/internal/data"
)

// NotSet is the stored home country when the user has not chosen one.
const NotSet = "Not set"

// HomeKey is the preferences key holding the home country.
const HomeKey = "homeCountry"

// Compare checks the current country against the home country. An empty
// string means absent.
func Compare(current, home string) data.Comparison {
	if current == "" || home == "" || home == NotSet {
		return data.Indeterminate
	}
	if current == home {
		return data.Match
	}
	return data.Mismatch
}

// Flag turns an ISO 3166-1 alpha-2 code into its regional-indicator emoji.
// Anything that is not two ASCII letters yields "".
func Flag(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return ""
	}
	var b strings.Builder
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ""
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}

// Store is the key-value preferences backend.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// LoadHome reads the home country, defaulting to NotSet.
func LoadHome(s Store) string {
	if v, ok := s.Get(HomeKey); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return NotSet
}

func SaveHome(s Store, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = NotSet
	}
	return s.Set(HomeKey, name)
}

var names = []string{
	"Afghanistan", "Algeria", "Angola", "Argentina", "Australia", "Austria", "Azerbaijan",
	"Bangladesh", "Belarus", "Belgium", "Benin", "Bolivia", "Brazil", "Burkina Faso", "Burundi",
	"Cambodia", "Cameroon", "Canada", "Chad", "Chile", "China", "Colombia", "Côte d'Ivoire", "Cuba", "Czechia",
	"DR Congo", "Denmark", "Dominican Republic",
	"Ecuador", "Egypt", "Ethiopia",
	"Finland", "France",
	"Germany", "Ghana", "Greece", "Guatemala", "Guinea",
	"Haiti", "Honduras", "Hong Kong", "Hungary",
	"India", "Indonesia", "Iran", "Iraq", "Ireland", "Israel", "Italy",
	"Japan", "Jordan",
	"Kazakhstan", "Kenya",
	"Madagascar", "Malawi", "Malaysia", "Mali", "Mexico", "Morocco", "Mozambique", "Myanmar",
	"Nepal", "Netherlands", "New Zealand", "Niger", "Nigeria", "North Korea", "Norway",
	"Pakistan", "Papua New Guinea", "Peru", "Philippines", "Poland", "Portugal",
	"Romania", "Russia", "Rwanda",
	"Saudi Arabia", "Senegal", "Serbia", "Sierra Leone", "Singapore", "Somalia", "South Africa", "South Korea",
	"South Sudan", "Spain", "Sri Lanka", "Sudan", "Sweden", "Switzerland", "Syria",
	"Taiwan", "Tajikistan", "Tanzania", "Thailand", "Togo", "Tunisia", "Turkey",
	"Uganda", "Ukraine", "United Arab Emirates", "United Kingdom", "United States", "Uzbekistan",
	"Venezuela", "Vietnam",
	"Yemen",
	"Zambia", "Zimbabwe",
}

// Names returns the sorted list offered by the home country picker. The
// spelling follows the geolocation service's country_name field.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}
