package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"

	"github.com/idanyas/digitaldash/internal/country"
	"github.com/idanyas/digitaldash/internal/data"
)

// ErrAborted is returned by SelectCountry when the user interrupts the picker.
var ErrAborted = errors.New("selection aborted")

func PrintHeader(w io.Writer, jsonOutput bool, version string) {
	if jsonOutput {
		return
	}
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "\n    digitaldash v%s\n\n", version)
}

func comparisonColor(c data.Comparison) *color.Color {
	switch c {
	case data.Match:
		return color.New(color.FgGreen)
	case data.Mismatch:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

func describe(s data.Snapshot, hideIP bool) string {
	ip := s.IP
	if ip == "" {
		ip = "unknown"
	} else if hideIP {
		ip = "---"
	}
	if s.Country == "" {
		return ip
	}
	if s.Flag != "" {
		return fmt.Sprintf("%s %s %s", ip, s.Flag, s.Country)
	}
	return fmt.Sprintf("%s %s", ip, s.Country)
}

// StatusLine renders the snapshot on one line, the way a menu bar title would.
func StatusLine(s data.Snapshot, hideIP bool) string {
	title := comparisonColor(s.Comparison).SprintFunc()
	line := fmt.Sprintf("[%s] %s", title(s.Title), describe(s, hideIP))
	if s.Status != "" {
		line += " " + color.New(color.FgYellow).Sprint(s.Status)
	}
	return line
}

// PrintSnapshot writes the full state block.
func PrintSnapshot(w io.Writer, s data.Snapshot, hideIP bool) {
	cyan := color.New(color.FgCyan).SprintFunc()
	mark := comparisonColor(s.Comparison).SprintFunc()

	fmt.Fprintf(w, "%s Your IP: %s\n", cyan("✓"), describe(s, hideIP))
	fmt.Fprintf(w, "%s Home country: %s\n", cyan("✓"), s.HomeCountry)
	fmt.Fprintf(w, "%s %s\n", mark(s.Title), s.Comparison)
	if s.Status != "" {
		color.New(color.FgYellow).Fprintf(w, "! %s\n", s.Status)
	}
}

// PrintLiveStatus redraws the watch-mode status line in place.
func PrintLiveStatus(w io.Writer, s data.Snapshot, hideIP bool) {
	fmt.Fprintf(w, "\r\033[K%s", StatusLine(s, hideIP))
}

// SelectCountry shows a searchable list of country names and returns the
// chosen one, or country.NotSet for the first entry.
func SelectCountry(current string) (string, error) {
	items := append([]string{country.NotSet}, country.Names()...)
	cursor := 0
	for i, name := range items {
		if name == current {
			cursor = i
			break
		}
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   `{{ "▸" | cyan }} {{ . | cyan }}`,
		Inactive: `  {{ . }}`,
		Selected: `{{ "✓" | green }} Home country: {{ . }}`,
	}

	search := func(input string, index int) bool {
		return strings.Contains(strings.ToLower(items[index]), strings.ToLower(input))
	}

	prompt := promptui.Select{
		Label:             "Choose your home country",
		Items:             items,
		Templates:         templates,
		Size:              12,
		CursorPos:         cursor,
		Stdout:            os.Stdout,
		Searcher:          search,
		StartInSearchMode: true,
	}

	i, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return "", ErrAborted
		}
		return "", err
	}
	return items[i], nil
}

func OutputJSON(w io.Writer, v any) error {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}

func phaseName(p data.Phase) string {
	switch p {
	case data.PhaseLatency:
		return "Latency"
	case data.PhaseDownload:
		return "Download"
	case data.PhaseUpload:
		return "Upload"
	default:
		return "Done"
	}
}

// ProgressReporter renders speed test updates with a spinner until the
// channel closes, and returns the final result if one arrived.
func ProgressReporter(w io.Writer, updates <-chan data.Progress, jsonOutput bool) *data.SpeedTestResult {
	cyan := color.New(color.FgCyan).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	spinner := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var result *data.SpeedTestResult
	label := "Measuring latency"
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				if !jsonOutput {
					fmt.Fprint(w, "\r\033[K")
				}
				return result
			}
			if p.Result != nil {
				result = p.Result
			}
			switch {
			case p.Err != "" && p.Sample > 0:
				if !jsonOutput {
					fmt.Fprintf(w, "\r\033[K%s %s sample %d failed: %s\n", red("✗"), phaseName(p.Phase), p.Sample, p.Err)
				}
			case p.Sample > 0:
				label = fmt.Sprintf("%s %.2f Mbps", phaseName(p.Phase), p.Mbps)
			case p.Phase == data.PhaseDownload:
				label = "Download"
			}
			if !jsonOutput {
				fmt.Fprintf(w, "\r\033[K%s %s (%.0f%%)", cyan(spinner[i%len(spinner)]), label, p.Percent)
			}
		case <-ticker.C:
			if jsonOutput {
				continue
			}
			i++
			fmt.Fprintf(w, "\r\033[K%s %s", cyan(spinner[i%len(spinner)]), label)
		}
	}
}

func formatMbps(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f Mbps", *v)
}

func PrintSpeedResult(w io.Writer, res data.SpeedTestResult) {
	green := color.New(color.FgGreen).SprintFunc()
	if res.LatencyMs != nil {
		fmt.Fprintf(w, "%s Latency: %.2f ms\n", green("✓"), *res.LatencyMs)
	}
	if res.Status == data.SpeedFailed {
		color.New(color.FgRed).Fprintln(w, "✗ Speed test failed")
		return
	}
	fmt.Fprintf(w, "%s Download: %s\n", green("✓"), formatMbps(res.DownloadMbps))
	fmt.Fprintf(w, "%s Upload: %s\n", green("✓"), formatMbps(res.UploadMbps))
}
