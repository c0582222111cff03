package data

import "time"

// Country is the geolocation of a public IP address.
type Country struct {
	Code string `json:"country_code"`
	Name string `json:"country_name"`
}

// PublicIPState is the outcome of the latest resolution attempt. Empty strings
// mean absent.
type PublicIPState struct {
	IP          string
	Country     string
	CountryCode string
	Err         error
}

// Comparison is the result of checking the current country against the home country.
type Comparison int

const (
	Indeterminate Comparison = iota
	Match
	Mismatch
)

func (c Comparison) String() string {
	switch c {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "indeterminate"
	}
}

// Token is the short status-bar title for the comparison.
func (c Comparison) Token() string {
	switch c {
	case Match:
		return ":)"
	case Mismatch:
		return ":("
	default:
		return "Digital Dash"
	}
}

func (c Comparison) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type SpeedStatus int

const (
	SpeedIdle SpeedStatus = iota
	SpeedRunning
	SpeedFailed
	SpeedDone
)

func (s SpeedStatus) String() string {
	switch s {
	case SpeedRunning:
		return "running"
	case SpeedFailed:
		return "failed"
	case SpeedDone:
		return "done"
	default:
		return "idle"
	}
}

func (s SpeedStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type SpeedTestResult struct {
	DownloadMbps *float64    `json:"download_mbps,omitempty"`
	UploadMbps   *float64    `json:"upload_mbps,omitempty"`
	LatencyMs    *float64    `json:"latency_ms,omitempty"`
	Status       SpeedStatus `json:"status"`
}

type Phase string

const (
	PhaseLatency  Phase = "latency"
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
	PhaseDone     Phase = "done"
)

// Progress is one update from a running speed test. The last update of a run
// carries Result.
type Progress struct {
	Phase   Phase            `json:"phase"`
	Sample  int              `json:"sample,omitempty"`
	Mbps    float64          `json:"mbps,omitempty"`
	Err     string           `json:"error,omitempty"`
	Result  *SpeedTestResult `json:"result,omitempty"`
	Percent float64          `json:"percent"`
}

// Snapshot is the presentable state handed to the UI.
type Snapshot struct {
	State       string          `json:"state"`
	Available   bool            `json:"network_available"`
	IP          string          `json:"ip,omitempty"`
	Country     string          `json:"country,omitempty"`
	CountryCode string          `json:"country_code,omitempty"`
	Flag        string          `json:"flag,omitempty"`
	HomeCountry string          `json:"home_country"`
	Comparison  Comparison      `json:"comparison"`
	Title       string          `json:"title"`
	Status      string          `json:"status,omitempty"`
	SpeedTest   SpeedTestResult `json:"speed_test"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
