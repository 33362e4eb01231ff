package tumour

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nvandessel/popln/internal/clone"
	"github.com/nvandessel/popln/internal/config"
)

// Seed file columns.
const (
	colMut    = "#mut"
	colMutPos = "pm+"
	colMutNeg = "pm-"
	colIncMut = "pim"
	colDecMut = "pdm"
	colScale  = "msc"
	colColour = "col"
)

var seedColumns = []string{colMut, colMutPos, colMutNeg, colIncMut, colDecMut, colScale, colColour}

// SeedClone is one founding lineage read from a seed file.
type SeedClone struct {
	MutationRate float64
	Probs        clone.Probs
	MutScale     float64
	Colour       string
}

func (sc SeedClone) clone(cfg *config.SimConfig) *clone.Clone {
	return &clone.Clone{
		ProliferationRate: cfg.Pro,
		MutationRate:      sc.MutationRate,
		DeathRate:         cfg.Die,
		Size:              cfg.InitSize,
		Depth:             1,
		Tag:               sc.Colour,
		Probs:             sc.Probs,
		MutScale:          sc.MutScale,
	}
}

// LoadSeedFile reads the founding lineages of a heterogeneous tumour.
func LoadSeedFile(path string) ([]SeedClone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeedFile, err)
	}
	defer f.Close()

	seeds, err := ParseSeeds(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seeds, nil
}

// ParseSeeds parses seed rows in the `#mut,pm+,pm-,pim,pdm,msc,col` layout.
// Columns may appear in any order; extra columns are ignored.
func ParseSeeds(r io.Reader) ([]SeedClone, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty seed file", ErrSeedFile)
		}
		return nil, fmt.Errorf("%w: reading header: %v", ErrSeedFile, err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	for _, col := range seedColumns {
		if _, ok := pos[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrSeedFile, col)
		}
	}

	var seeds []SeedClone
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSeedFile, err)
		}

		nums := make(map[string]float64, len(seedColumns)-1)
		for _, col := range seedColumns[:len(seedColumns)-1] {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[pos[col]]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %s: %v", ErrSeedFile, line, col, err)
			}
			nums[col] = v
		}
		seeds = append(seeds, SeedClone{
			MutationRate: nums[colMut],
			Probs: clone.Probs{
				MutPos: nums[colMutPos],
				MutNeg: nums[colMutNeg],
				IncMut: nums[colIncMut],
				DecMut: nums[colDecMut],
			},
			MutScale: nums[colScale],
			Colour:   strings.TrimSpace(rec[pos[colColour]]),
		})
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: no seed rows", ErrSeedFile)
	}
	for i, sc := range seeds {
		if sc.MutationRate < clone.MinMutationRate || sc.MutationRate > clone.MaxMutationRate {
			return nil, fmt.Errorf("%w: row %d: mutation rate %g out of range", ErrSeedFile, i+1, sc.MutationRate)
		}
		if sc.Probs.MutPos+sc.Probs.MutNeg > 1 || sc.Probs.IncMut+sc.Probs.DecMut > 1 {
			return nil, fmt.Errorf("%w: row %d: direction probabilities exceed 1", ErrSeedFile, i+1)
		}
	}
	return seeds, nil
}

// WriteSeeds writes seeds in the layout ParseSeeds reads.
func WriteSeeds(w io.Writer, seeds []SeedClone) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(seedColumns); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, sc := range seeds {
		rec := []string{
			f(sc.MutationRate),
			f(sc.Probs.MutPos), f(sc.Probs.MutNeg),
			f(sc.Probs.IncMut), f(sc.Probs.DecMut),
			f(sc.MutScale), sc.Colour,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
