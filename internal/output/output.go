// Package output parses the engine's text output file into a Result.
//
// Only the sections the pipeline reads are parsed: termination status,
// errors and warnings, fit summaries, class counts, the most-likely-class
// logit table and the SAVEDATA description. A section that is absent is
// left nil; the parser never substitutes a default.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Result is the structured form of one engine run. It is read-only once
// parsed.
type Result struct {
	TerminatedNormally bool     `yaml:"terminated_normally"`
	Errors             []string `yaml:"errors,omitempty"`
	Warnings           []string `yaml:"warnings,omitempty"`

	Summaries   *Summaries   `yaml:"summaries,omitempty"`
	ClassCounts *ClassCounts `yaml:"class_counts,omitempty"`
	SaveData    *SaveData    `yaml:"savedata,omitempty"`
}

// Diagnostics returns errors followed by warnings, verbatim.
func (r *Result) Diagnostics() []string {
	out := make([]string, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

// Summaries holds model fit information.
type Summaries struct {
	Parameters    int     `yaml:"parameters"`
	LogLikelihood float64 `yaml:"ll"`
	AIC           float64 `yaml:"aic"`
	BIC           float64 `yaml:"bic"`
	AdjustedBIC   float64 `yaml:"abic"`
	Entropy       float64 `yaml:"entropy,omitempty"`
}

// ClassCount is one row of a class counts table.
type ClassCount struct {
	Class      int     `yaml:"class"`
	Count      float64 `yaml:"count"`
	Proportion float64 `yaml:"proportion"`
}

// ClassCounts groups the class-count summaries of a mixture run.
type ClassCounts struct {
	// Model is based on the estimated posterior probabilities.
	Model []ClassCount `yaml:"model,omitempty"`
	// MostLikely is based on each case's most likely class.
	MostLikely []ClassCount `yaml:"most_likely,omitempty"`
	// LogitsMostLikely is the full K x K logit table: rows are latent
	// classes, columns most-likely class membership.
	LogitsMostLikely [][]float64 `yaml:"logits_most_likely,omitempty"`
}

// SaveData describes the per-case file the engine wrote.
type SaveData struct {
	File          string   `yaml:"file"`
	Variables     []string `yaml:"variables"`
	MissingSymbol string   `yaml:"missing_symbol"`
}

// Section headers, matched against trimmed lines.
const (
	hdrTerminated  = "THE MODEL ESTIMATION TERMINATED NORMALLY"
	hdrNotTerm     = "THE MODEL ESTIMATION DID NOT TERMINATE NORMALLY"
	hdrModelCounts = "FINAL CLASS COUNTS AND PROPORTIONS FOR THE LATENT CLASSES"
	hdrMostLikely  = "CLASSIFICATION OF INDIVIDUALS BASED ON THEIR MOST LIKELY LATENT CLASS MEMBERSHIP"
	hdrLogits      = "Logits for the Classification Probabilities for the Most Likely Latent Class Membership"
	hdrSaveData    = "SAVEDATA INFORMATION"
	hdrSaveOrder   = "Order"
	hdrSaveFile    = "Save file"
	hdrSaveMissing = "Save missing symbol"
	hdrFitSection  = "MODEL FIT INFORMATION"
	maxHeaderGap   = 12
	hdrErrorPrefix = "*** ERROR"
	hdrWarnPrefix  = "*** WARNING"
	hdrWarnPrefix2 = "WARNING:"
)

var (
	reParams  = regexp.MustCompile(`^Number of Free Parameters\s+(\d+)`)
	reLL      = regexp.MustCompile(`^H0 Value\s+(-?[0-9.]+)`)
	reAIC     = regexp.MustCompile(`^Akaike \(AIC\)\s+(-?[0-9.]+)`)
	reBIC     = regexp.MustCompile(`^Bayesian \(BIC\)\s+(-?[0-9.]+)`)
	reABIC    = regexp.MustCompile(`^Sample-Size Adjusted BIC\s+(-?[0-9.]+)`)
	reEntropy = regexp.MustCompile(`^Entropy\s+([0-9.]+)`)
)

// ParseFile reads and parses an engine output file.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	res, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return res, nil
}

// Parse reads engine output text.
func Parse(r io.Reader) (*Result, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), " \t\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("output: scan: %w", err)
	}

	res := &Result{}
	res.Errors, res.Warnings = diagnostics(lines)
	res.TerminatedNormally = find(lines, 0, hdrTerminated) >= 0

	res.Summaries = summaries(lines)

	cc := &ClassCounts{}
	var err error
	if i := find(lines, 0, hdrModelCounts); i >= 0 {
		if cc.Model, err = countTable(lines, i); err != nil {
			return nil, fmt.Errorf("output: final class counts: %w", err)
		}
	}
	if i := find(lines, 0, hdrMostLikely); i >= 0 {
		if cc.MostLikely, err = countTable(lines, i); err != nil {
			return nil, fmt.Errorf("output: most likely class counts: %w", err)
		}
	}
	if i := find(lines, 0, hdrLogits); i >= 0 {
		if cc.LogitsMostLikely, err = squareTable(lines, i); err != nil {
			return nil, fmt.Errorf("output: logits table: %w", err)
		}
	}
	if cc.Model != nil || cc.MostLikely != nil || cc.LogitsMostLikely != nil {
		res.ClassCounts = cc
	}

	if i := find(lines, 0, hdrSaveData); i >= 0 {
		if res.SaveData, err = saveData(lines, i); err != nil {
			return nil, fmt.Errorf("output: savedata: %w", err)
		}
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Section parsers
// ---------------------------------------------------------------------------

// find returns the index of the first line at or after from whose trimmed
// text starts with prefix, or -1.
func find(lines []string, from int, prefix string) int {
	for i := from; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), prefix) {
			return i
		}
	}
	return -1
}

// diagnostics collects "*** ERROR", "*** WARNING" and "WARNING:" blocks and
// the non-termination message. A block runs to the next blank line.
func diagnostics(lines []string) (errs, warns []string) {
	for i := 0; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		var dst *[]string
		switch {
		case strings.HasPrefix(t, hdrErrorPrefix), strings.HasPrefix(t, hdrNotTerm):
			dst = &errs
		case strings.HasPrefix(t, hdrWarnPrefix), strings.HasPrefix(t, hdrWarnPrefix2):
			dst = &warns
		default:
			continue
		}
		block := []string{t}
		for i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			i++
			block = append(block, strings.TrimSpace(lines[i]))
		}
		*dst = append(*dst, strings.Join(block, "\n"))
	}
	return errs, warns
}

func summaries(lines []string) *Summaries {
	start := find(lines, 0, hdrFitSection)
	if start < 0 {
		start = 0
	}
	s := &Summaries{}
	found := false
	for _, l := range lines[start:] {
		t := strings.TrimSpace(l)
		if m := reParams.FindStringSubmatch(t); m != nil {
			s.Parameters, _ = strconv.Atoi(m[1])
			found = true
		} else if m := reLL.FindStringSubmatch(t); m != nil && s.LogLikelihood == 0 {
			s.LogLikelihood, _ = strconv.ParseFloat(m[1], 64)
			found = true
		} else if m := reAIC.FindStringSubmatch(t); m != nil {
			s.AIC, _ = strconv.ParseFloat(m[1], 64)
			found = true
		} else if m := reBIC.FindStringSubmatch(t); m != nil {
			s.BIC, _ = strconv.ParseFloat(m[1], 64)
			found = true
		} else if m := reABIC.FindStringSubmatch(t); m != nil {
			s.AdjustedBIC, _ = strconv.ParseFloat(m[1], 64)
			found = true
		} else if m := reEntropy.FindStringSubmatch(t); m != nil {
			s.Entropy, _ = strconv.ParseFloat(m[1], 64)
			found = true
		}
	}
	if !found {
		return nil
	}
	return s
}

// countTable reads "class count proportion" rows following the header at
// start.
func countTable(lines []string, start int) ([]ClassCount, error) {
	var out []ClassCount
	for i := start + 1; i < len(lines); i++ {
		f := strings.Fields(lines[i])
		if len(f) == 0 {
			if len(out) > 0 {
				break
			}
			continue
		}
		if len(f) != 3 || !isInt(f[0]) {
			if len(out) > 0 {
				break
			}
			if i-start > maxHeaderGap {
				return nil, fmt.Errorf("no rows within %d lines of header", maxHeaderGap)
			}
			continue
		}
		class, _ := strconv.Atoi(f[0])
		count, err := strconv.ParseFloat(f[1], 64)
		if err != nil {
			return nil, fmt.Errorf("class %d count: %w", class, err)
		}
		prop, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, fmt.Errorf("class %d proportion: %w", class, err)
		}
		if class != len(out)+1 {
			return nil, fmt.Errorf("class %d out of order", class)
		}
		out = append(out, ClassCount{Class: class, Count: count, Proportion: prop})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty table")
	}
	return out, nil
}

// squareTable reads a table whose column header is "1 2 ... K" followed
// by K rows of "row v1 ... vK".
func squareTable(lines []string, start int) ([][]float64, error) {
	i := start + 1
	k := 0
	for ; i < len(lines) && i-start <= maxHeaderGap; i++ {
		f := strings.Fields(lines[i])
		if len(f) > 0 && allInts(f) {
			k = len(f)
			i++
			break
		}
	}
	if k == 0 {
		return nil, fmt.Errorf("no column header within %d lines", maxHeaderGap)
	}
	var rows [][]float64
	for ; i < len(lines) && len(rows) < k; i++ {
		f := strings.Fields(lines[i])
		if len(f) == 0 {
			if len(rows) > 0 {
				break
			}
			continue
		}
		if len(f) != k+1 || !isInt(f[0]) {
			return nil, fmt.Errorf("row %q: want %d values", strings.TrimSpace(lines[i]), k)
		}
		row := make([]float64, k)
		for j := range row {
			v, err := strconv.ParseFloat(f[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("row %s column %d: %w", f[0], j+1, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	if len(rows) != k {
		return nil, fmt.Errorf("got %d rows, want %d", len(rows), k)
	}
	return rows, nil
}

func saveData(lines []string, start int) (*SaveData, error) {
	sd := &SaveData{MissingSymbol: "*"}

	order := find(lines, start+1, hdrSaveOrder)
	if order < 0 {
		return nil, fmt.Errorf("no variable order")
	}
	for i := order + 1; i < len(lines); i++ {
		f := strings.Fields(lines[i])
		if len(f) == 0 {
			if len(sd.Variables) > 0 {
				break
			}
			continue
		}
		// "NAME  F10.3" in fixed format, bare "NAME" in free format
		if len(f) > 2 {
			break
		}
		sd.Variables = append(sd.Variables, f[0])
	}
	if len(sd.Variables) == 0 {
		return nil, fmt.Errorf("empty variable list")
	}

	for i := order; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		switch {
		case t == hdrSaveFile:
			for j := i + 1; j < len(lines); j++ {
				if n := strings.TrimSpace(lines[j]); n != "" {
					sd.File = n
					break
				}
			}
		case strings.HasPrefix(t, hdrSaveMissing):
			if f := strings.Fields(t); len(f) > len(strings.Fields(hdrSaveMissing)) {
				sd.MissingSymbol = f[len(f)-1]
			}
		}
	}
	if sd.File == "" {
		return nil, fmt.Errorf("no save file name")
	}
	return sd, nil
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func allInts(f []string) bool {
	for _, s := range f {
		if !isInt(s) {
			return false
		}
	}
	return true
}
