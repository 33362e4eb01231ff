package simulation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

// Recovery classifications.
const (
	RecoveryNone        = "NONE"
	RecoveryPartial     = "PART"
	RecoveryFull        = "FULL"
	RecoveryFullNoCrash = "FULLNC"
)

// Fractions of the size limit a tumour must regain to count as recovered.
const (
	partialRecovery = 0.5
	fullRecovery    = 0.75
)

// Summary is the end-of-run record appended to the results file.
type Summary struct {
	ParamSet  string `json:"param_set"`
	RunNumber int    `json:"run_number"`

	WentThroughCrash bool    `json:"went_through_crash"`
	Recovered        bool    `json:"recovered"`
	RecoveryType     string  `json:"recov_type"`
	RecoveryPercent  float64 `json:"recov_percent"`

	ProlifRate     float64 `json:"prolif_rate"`
	DeathRate      float64 `json:"death_rate"`
	MutRate        float64 `json:"mut_rate"`
	SelectTime     int     `json:"select_time"`
	SelectPressure float64 `json:"select_pressure"`
	ProbBenMut     float64 `json:"prob_ben_mut"`
	ProbDelMut     float64 `json:"prob_del_mut"`
	ProbMutIncr    float64 `json:"prob_mut_incr"`
	ProbMutDecr    float64 `json:"prob_mut_decr"`

	PopSize            int     `json:"pop_size"`
	NumClones          int     `json:"num_clones"`
	AvgMutRateAtEnd    float64 `json:"avg_mut_rate_at_end"`
	AvgProlifRateAtEnd float64 `json:"avg_prolif_rate_at_end"`
	ElapsedTime        string  `json:"elapsed_time"`
	ElapsedCycles      int     `json:"elapsed_cycles"`

	PreCrashMin  Extremum `json:"pre_crash_min"`
	PreCrashMax  Extremum `json:"pre_crash_max"`
	PostCrashMin Extremum `json:"post_crash_min"`
	PostCrashMax Extremum `json:"post_crash_max"`
}

// SummaryColumns is the header of the results file.
var SummaryColumns = []string{
	"param_set", "run_number", "went_through_crash",
	"recovered", "recov_type", "recov_percent",
	"prolif_rate", "death_rate", "mut_rate",
	"select_time", "select_pressure",
	"prob_ben_mut", "prob_del_mut", "prob_mut_incr", "prob_mut_decr",
	"pop_size", "num_clones", "avg_mut_rate_at_end", "avg_prolif_rate_at_end",
	"elapsed_time", "elapsed_cycles",
	"pre_crash_min", "pre_crash_min_time", "pre_crash_max", "pre_crash_max_time",
	"post_crash_min", "post_crash_min_time", "post_crash_max", "post_crash_max_time",
}

// Classify returns the recovery classification for a final tumour size.
// A tumour that went through the crash has recovered partially above half
// the limit and fully above three quarters; one that never crashed only
// counts when above three quarters.
func Classify(size, limit int, crashed bool) (recovered bool, kind string, percent float64) {
	percent = float64(size) / float64(limit)
	s := float64(size)
	l := float64(limit)
	switch {
	case crashed && s > l*fullRecovery:
		return true, RecoveryFull, percent
	case crashed && s > l*partialRecovery:
		return true, RecoveryPartial, percent
	case !crashed && s > l*fullRecovery:
		return true, RecoveryFullNoCrash, percent
	default:
		return false, RecoveryNone, percent
	}
}

// FormatHMS renders d as HH:MM:SS.S.
func FormatHMS(d time.Duration) string {
	secs := d.Seconds()
	h := int(secs / 3600)
	secs -= float64(h) * 3600
	m := int(secs / 60)
	secs -= float64(m) * 60
	return fmt.Sprintf("%02d:%02d:%.1f", h, m, secs)
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Record returns the summary as a results file row.
func (s Summary) Record() []string {
	itoa := strconv.Itoa
	return []string{
		s.ParamSet, itoa(s.RunNumber), yn(s.WentThroughCrash),
		yn(s.Recovered), s.RecoveryType, ftoa(s.RecoveryPercent),
		ftoa(s.ProlifRate), ftoa(s.DeathRate), ftoa(s.MutRate),
		itoa(s.SelectTime), ftoa(s.SelectPressure),
		ftoa(s.ProbBenMut), ftoa(s.ProbDelMut), ftoa(s.ProbMutIncr), ftoa(s.ProbMutDecr),
		itoa(s.PopSize), itoa(s.NumClones), ftoa(s.AvgMutRateAtEnd), ftoa(s.AvgProlifRateAtEnd),
		s.ElapsedTime, itoa(s.ElapsedCycles),
		itoa(s.PreCrashMin.Size), itoa(s.PreCrashMin.Time), itoa(s.PreCrashMax.Size), itoa(s.PreCrashMax.Time),
		itoa(s.PostCrashMin.Size), itoa(s.PostCrashMin.Time), itoa(s.PostCrashMax.Size), itoa(s.PostCrashMax.Time),
	}
}

// WriteSummaryCSV writes rows, preceded by the header when header is set.
func WriteSummaryCSV(w io.Writer, header bool, rows ...Summary) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(SummaryColumns); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// AppendSummary appends s to the results file at path, creating the file
// with a header row if needed.
func AppendSummary(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}
	_, err := os.Stat(path)
	fresh := errors.Is(err, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening results file: %w", err)
	}
	if err := WriteSummaryCSV(f, fresh, s); err != nil {
		f.Close()
		return fmt.Errorf("writing results file: %w", err)
	}
	return f.Close()
}

// AppendDropData appends per-colour population totals to path as a header
// row of colours followed by a row of sizes, colours sorted by name.
func AppendDropData(path string, sizes map[string]int) error {
	colours := make([]string, 0, len(sizes))
	for c := range sizes {
		colours = append(colours, c)
	}
	slices.Sort(colours)
	totals := make([]string, len(colours))
	for i, c := range colours {
		totals[i] = strconv.Itoa(sizes[c])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating drop data directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening drop data file: %w", err)
	}
	cw := csv.NewWriter(f)
	_ = cw.Write(colours)
	_ = cw.Write(totals)
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("writing drop data: %w", err)
	}
	return f.Close()
}
