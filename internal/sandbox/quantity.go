package sandbox

import (
	"strconv"
	"strings"
)

// dockerMemory translates a Kubernetes memory quantity into the docker
// --memory syntax: "512Mi" -> "512m", "1Gi" -> "1g". Values already in
// docker syntax pass through unchanged.
func dockerMemory(q string) string {
	switch {
	case strings.HasSuffix(q, "Ki"):
		return strings.TrimSuffix(q, "Ki") + "k"
	case strings.HasSuffix(q, "Mi"), strings.HasSuffix(q, "M"):
		return strings.TrimSuffix(strings.TrimSuffix(q, "Mi"), "M") + "m"
	case strings.HasSuffix(q, "Gi"), strings.HasSuffix(q, "G"):
		return strings.TrimSuffix(strings.TrimSuffix(q, "Gi"), "G") + "g"
	default:
		return q
	}
}

// dockerCPU translates a Kubernetes CPU quantity into the docker --cpus
// syntax: "500m" -> "0.5". Plain core counts pass through unchanged.
func dockerCPU(q string) string {
	if milli, ok := strings.CutSuffix(q, "m"); ok {
		if n, err := strconv.ParseFloat(milli, 64); err == nil {
			return strconv.FormatFloat(n/1000, 'f', -1, 64)
		}
	}
	return q
}

// ulimitMemoryKB translates a memory quantity into kilobytes for
// ulimit -v: "512Mi" -> 524288. Unparseable values yield 0, meaning no
// address-space cap.
func ulimitMemoryKB(q string) int {
	mult := 1
	num := q
	switch {
	case strings.HasSuffix(q, "Ki"), strings.HasSuffix(q, "K"):
		num = strings.TrimSuffix(strings.TrimSuffix(q, "Ki"), "K")
	case strings.HasSuffix(q, "Mi"), strings.HasSuffix(q, "M"):
		num = strings.TrimSuffix(strings.TrimSuffix(q, "Mi"), "M")
		mult = 1024
	case strings.HasSuffix(q, "Gi"), strings.HasSuffix(q, "G"):
		num = strings.TrimSuffix(strings.TrimSuffix(q, "Gi"), "G")
		mult = 1024 * 1024
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0
	}
	return n * mult
}
