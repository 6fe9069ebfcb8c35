package interp

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ParsedModel is what ParseClassBlocks recovers from rendered MODEL text.
// Class 0 holds the %OVERALL% block.
type ParsedModel struct {
	Labels map[int][]string
	Fixed  map[int][]Assignment
}

// Classes returns the class numbers that had a block, ascending, without
// the overall block.
func (p *ParsedModel) Classes() []int {
	set := make(map[int]bool)
	for c := range p.Labels {
		set[c] = true
	}
	for c := range p.Fixed {
		set[c] = true
	}
	delete(set, 0)
	out := make([]int, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

var (
	sectionRe = regexp.MustCompile(`^(?i)(TITLE|DATA|VARIABLE|DEFINE|ANALYSIS|MODEL|OUTPUT|SAVEDATA|PLOT|MONTECARLO)\b[A-Z ]*:`)
	modelRe   = regexp.MustCompile(`^(?i)MODEL\s*:`)
	overallRe = regexp.MustCompile(`^(?i)%OVERALL%$`)
	classRe   = regexp.MustCompile(`^%\s*(\w+)\s*#\s*(\d+)\s*%$`)
	labelRe   = regexp.MustCompile(`\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
	fixedRe   = regexp.MustCompile(`^\[\s*(\w+)\s*#\s*(\d+)\s*@\s*([-+0-9.eE]+)\s*\]$`)
)

// ParseClassBlocks re-reads the MODEL section of rendered input text and
// recovers, per class block, the parameter labels and fixed logit
// assignments it declares. If text has no MODEL: header it is treated as a
// bare model body.
func ParseClassBlocks(text string) (*ParsedModel, error) {
	body := modelBody(text)
	p := &ParsedModel{Labels: map[int][]string{}, Fixed: map[int][]Assignment{}}

	class := 0
	var stmt strings.Builder
	flush := func() error {
		s := strings.TrimSpace(stmt.String())
		stmt.Reset()
		if s == "" {
			return nil
		}
		return p.addStatement(class, s)
	}

	for _, line := range body {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		if overallRe.MatchString(line) {
			if err := flush(); err != nil {
				return nil, err
			}
			class = 0
			continue
		}
		if m := classRe.FindStringSubmatch(line); m != nil {
			if err := flush(); err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("interp: class header %q: %w", line, err)
			}
			class = n
			continue
		}
		for {
			i := strings.IndexByte(line, ';')
			if i < 0 {
				stmt.WriteString(line)
				stmt.WriteByte(' ')
				break
			}
			stmt.WriteString(line[:i])
			if err := flush(); err != nil {
				return nil, err
			}
			line = line[i+1:]
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ParsedModel) addStatement(class int, s string) error {
	if m := fixedRe.FindStringSubmatch(s); m != nil {
		cat, err := strconv.Atoi(m[2])
		if err != nil {
			return fmt.Errorf("interp: %q: %w", s, err)
		}
		v, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return fmt.Errorf("interp: %q: %w", s, err)
		}
		p.Fixed[class] = append(p.Fixed[class], Assignment{Indicator: m[1], Category: cat, Value: v})
		return nil
	}
	if m := labelRe.FindStringSubmatch(s); m != nil {
		p.Labels[class] = append(p.Labels[class], m[1])
	}
	return nil
}

func modelBody(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	start := -1
	for i, l := range lines {
		if modelRe.MatchString(strings.TrimSpace(l)) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return lines
	}
	end := len(lines)
	for i := start; i < len(lines); i++ {
		if sectionRe.MatchString(strings.TrimSpace(lines[i])) {
			end = i
			break
		}
	}
	return lines[start:end]
}
