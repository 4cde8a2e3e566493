package ports

import (
	"bufio"
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ExcludedRange is one Windows IP Helper reserved port range. Ports in
// these ranges bind-fail even though nothing listens on them.
type ExcludedRange struct {
	Start int
	End   int
}

func (r ExcludedRange) overlaps(start, end int) bool {
	return r.Start <= end && r.End >= start
}

// WarnOnExcludedRanges queries the OS port exclusion table and logs a
// warning for every excluded range overlapping [start, end]. Detection
// only runs on Windows; failures are logged and swallowed since the
// bind probe catches the affected ports anyway.
func WarnOnExcludedRanges(ctx context.Context, start, end int) []ExcludedRange {
	if runtime.GOOS != "windows" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "netsh", "interface", "ipv4",
		"show", "excludedportrange", "protocol=tcp").Output()
	if err != nil {
		log.Warn().Err(err).Msg("Port exclusion query failed")
		return nil
	}

	overlapping := filterOverlapping(parseExclusionTable(string(out)), start, end)
	for _, r := range overlapping {
		log.Warn().
			Int("excluded_start", r.Start).
			Int("excluded_end", r.End).
			Int("port_start", start).
			Int("port_end", end).
			Msg("Configured port range overlaps an OS excluded port range")
	}
	return overlapping
}

// parseExclusionTable extracts port ranges from netsh output. Data rows
// are two integers separated by whitespace; header and separator lines
// carry no leading digits and are skipped.
func parseExclusionTable(out string) []ExcludedRange {
	var ranges []ExcludedRange
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		start, err1 := strconv.Atoi(fields[0])
		rangeEnd, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil || start <= 0 || rangeEnd < start {
			continue
		}
		ranges = append(ranges, ExcludedRange{Start: start, End: rangeEnd})
	}
	return ranges
}

func filterOverlapping(ranges []ExcludedRange, start, end int) []ExcludedRange {
	var out []ExcludedRange
	for _, r := range ranges {
		if r.overlaps(start, end) {
			out = append(out, r)
		}
	}
	return out
}
