package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// AbuseDetector scans submitted scripts for known sandbox-abuse probes. This
// is an observability layer on top of the hard limits, not an enforcement
// mechanism: detections are counted and audited, the limits do the killing.
type AbuseDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewAbuseDetector creates a detector with default patterns.
func NewAbuseDetector() *AbuseDetector {
	return &AbuseDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks a submitted script for suspicious patterns before
// execution.
func (d *AbuseDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious pattern in submitted script")
			}
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "constructor_chain",
			Description: "Walking constructor chains toward host reflection",
			Regex:       regexp.MustCompile(`\.constructor\s*(\.|\[)\s*['"]?constructor`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "function_constructor",
			Description: "Dynamic code construction via the Function constructor",
			Regex:       regexp.MustCompile(`\bFunction\s*\(\s*['"]`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "proto_pollution",
			Description: "Prototype pollution attempt",
			Regex:       regexp.MustCompile(`__proto__|Object\.setPrototypeOf|\.prototype\s*\[`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "global_probe",
			Description: "Probing the global object for host bindings",
			Regex:       regexp.MustCompile(`globalThis\s*\[|this\s*\[\s*['"]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "string_bomb",
			Description: "Oversized string amplification",
			Regex:       regexp.MustCompile(`\.repeat\s*\(\s*\d{7,}|Array\s*\(\s*\d{8,}`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "busy_loop",
			Description: "Unconditional infinite loop",
			Regex:       regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityLow,
		},
	}
}
