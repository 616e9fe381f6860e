package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// readProgress consumes the key=value stream written by "-progress pipe:1" and
// calls report once per progress block. total is the expected output duration;
// when it is unknown every block reports 0 so the caller can still decline.
// It returns false as soon as report does.
func readProgress(r io.Reader, total time.Duration, report func(float32) bool) (bool, error) {
	var outTime time.Duration
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms": // both are microseconds
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				outTime = time.Duration(us) * time.Microsecond
			}
		case "progress":
			if !report(percent(outTime, total)) {
				return false, nil
			}
			if value == "end" {
				return true, nil
			}
		}
	}
	return true, sc.Err()
}

func percent(done, total time.Duration) float32 {
	if total <= 0 {
		return 0
	}
	p := float32(float64(done) / float64(total) * 100)
	if p > 100 {
		return 100
	}
	return p
}
