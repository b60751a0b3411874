package stats

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Stats is the latest snapshot of an AFL++ run, merged from the UI output
// stream and the fuzzer_stats file. Fields are advisory: writers win per
// field and readers accept a possibly stale composite.
type Stats struct {
	ExecSpeed    float64 `json:"exec_speed"`
	TotalExecs   int     `json:"total_execs"`
	PathsFound   int     `json:"paths_found"`
	CrashesFound int     `json:"crashes_found"`
	HangsFound   int     `json:"hangs_found"`
	Coverage     float64 `json:"coverage"`
	Stability    float64 `json:"stability"`
	PendingFav   int     `json:"pending_fav"`
	PendingTotal int     `json:"pending_total"`
	CyclesDone   int     `json:"cycles_done"`
	BitmapCvg    float64 `json:"bitmap_cvg"`
	RunTime      string  `json:"run_time"`
	LastFind     string  `json:"last_find"`
}

// Parser extracts stat fields from AFL++ output. It is stateless and never
// fails: lines and keys it does not recognize are silently dropped.
type Parser struct {
	patterns map[string]*regexp.Regexp
}

func NewParser() *Parser {
	return &Parser{
		patterns: map[string]*regexp.Regexp{
			"exec_speed":  regexp.MustCompile(`exec speed\s*:\s*([\d.]+)\s*/sec`),
			"total_execs": regexp.MustCompile(`total execs\s*:\s*(\d+)`),
			"paths_found": regexp.MustCompile(`paths : total:(\d+)`),
			"crashes":     regexp.MustCompile(`crashes\s*:\s*(\d+)`),
			"hangs":       regexp.MustCompile(`hangs\s*:\s*(\d+)`),
			"coverage":    regexp.MustCompile(`map coverage\s*:\s*([\d.]+)%`),
			"stability":   regexp.MustCompile(`stability\s*:\s*([\d.]+)%`),
			"pending":     regexp.MustCompile(`pending\s*:\s*(\d+)/(\d+)`),
			"cycles_done": regexp.MustCompile(`cycles done\s*:\s*(\d+)`),
			"run_time":    regexp.MustCompile(`run time\s*:\s*([\d:]+)`),
			"last_find":   regexp.MustCompile(`last new find\s*:\s*([\d:]+)`),
		},
	}
}

// ParseLine matches a single line of afl-fuzz output against the pattern
// table and returns the extracted fields, possibly none. The combined
// "pending : fav/total" field splits into pending_fav and pending_total.
func (p *Parser) ParseLine(line string) map[string]any {
	results := make(map[string]any)

	for key, pattern := range p.patterns {
		match := pattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		switch key {
		case "pending":
			fav, _ := strconv.Atoi(match[1])
			total, _ := strconv.Atoi(match[2])
			results["pending_fav"] = fav
			results["pending_total"] = total
		case "exec_speed", "coverage", "stability":
			v, _ := strconv.ParseFloat(match[1], 64)
			results[key] = v
		case "total_execs", "paths_found", "crashes", "hangs", "cycles_done":
			v, _ := strconv.Atoi(match[1])
			results[key] = v
		default:
			results[key] = strings.TrimSpace(match[1])
		}
	}

	return results
}

// ParseStatsFile reads a fuzzer_stats file of "key : value" lines. A missing
// or unreadable file yields zero Stats: the file simply does not exist until
// afl-fuzz has calibrated, and that is not an error.
func (p *Parser) ParseStatsFile(path string) Stats {
	var s Stats

	f, err := os.Open(path)
	if err != nil {
		return s
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "execs_per_sec":
			s.ExecSpeed, _ = strconv.ParseFloat(value, 64)
		case "total_execs":
			s.TotalExecs, _ = strconv.Atoi(value)
		case "paths_total":
			s.PathsFound, _ = strconv.Atoi(value)
		case "saved_crashes":
			s.CrashesFound, _ = strconv.Atoi(value)
		case "saved_hangs":
			s.HangsFound, _ = strconv.Atoi(value)
		case "map_coverage":
			s.Coverage, _ = strconv.ParseFloat(value, 64)
		case "stability":
			s.Stability, _ = strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		case "pending_favs":
			s.PendingFav, _ = strconv.Atoi(value)
		case "pending_total":
			s.PendingTotal, _ = strconv.Atoi(value)
		case "cycles_done":
			s.CyclesDone, _ = strconv.Atoi(value)
		case "bitmap_cvg":
			s.BitmapCvg, _ = strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		case "run_time":
			s.RunTime = value
		case "last_find":
			s.LastFind = value
		}
	}

	return s
}

// Apply merges a partial ParseLine result into the snapshot, last writer
// wins per field.
func (s *Stats) Apply(update map[string]any) {
	for key, value := range update {
		switch key {
		case "exec_speed":
			s.ExecSpeed, _ = value.(float64)
		case "total_execs":
			s.TotalExecs, _ = value.(int)
		case "paths_found":
			s.PathsFound, _ = value.(int)
		case "crashes":
			s.CrashesFound, _ = value.(int)
		case "hangs":
			s.HangsFound, _ = value.(int)
		case "coverage":
			s.Coverage, _ = value.(float64)
		case "stability":
			s.Stability, _ = value.(float64)
		case "pending_fav":
			s.PendingFav, _ = value.(int)
		case "pending_total":
			s.PendingTotal, _ = value.(int)
		case "cycles_done":
			s.CyclesDone, _ = value.(int)
		case "run_time":
			s.RunTime, _ = value.(string)
		case "last_find":
			s.LastFind, _ = value.(string)
		}
	}
}
