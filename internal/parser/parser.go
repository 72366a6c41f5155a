// Package parser decodes statsd wire-format datagrams into typed
// metric updates. A single malformed line never poisons its siblings
// in the same datagram.
package parser

import (
	"errors"
	"strconv"
	"strings"

	"github.com/anentropic/statspipe/internal/metric"
)

// ErrMalformed is returned for any line that cannot be decoded.
var ErrMalformed = errors.New("malformed statsd line")

// Line is a single decoded update paired with its metric name.
type Line struct {
	Name   string
	Update metric.Update
}

// ParseDatagram splits a UDP datagram on newlines and parses each line
// independently. It returns the successfully decoded lines in source
// order and a count of lines that failed to parse.
func ParseDatagram(datagram []byte) (lines []Line, badCount int) {
	for _, raw := range strings.Split(string(datagram), "\n") {
		raw = strings.TrimRight(raw, "\r")
		if raw == "" {
			continue
		}
		line, err := ParseLine(raw)
		if err != nil {
			badCount++
			continue
		}
		lines = append(lines, line)
	}
	return lines, badCount
}

// ParseLine decodes a single "name:payload" line, where
// payload = value[|kind[|@samplerate]].
func ParseLine(raw string) (Line, error) {
	name, payload, ok := strings.Cut(raw, ":")
	if !ok || name == "" || payload == "" {
		return Line{}, ErrMalformed
	}
	if !validName(name) {
		return Line{}, ErrMalformed
	}

	parts := strings.Split(payload, "|")
	valueToken := parts[0]
	if valueToken == "" {
		return Line{}, ErrMalformed
	}

	kind := metric.Counter
	kindToken := ""
	sampleRate := 1.0

	if len(parts) > 1 {
		kindToken = parts[1]
	}
	if len(parts) > 2 {
		rateToken, ok := strings.CutPrefix(parts[2], "@")
		if !ok {
			return Line{}, ErrMalformed
		}
		rate, err := strconv.ParseFloat(rateToken, 64)
		if err != nil {
			return Line{}, ErrMalformed
		}
		if rate <= 0 || rate > 1 {
			return Line{}, ErrMalformed
		}
		sampleRate = rate
	}
	if len(parts) > 3 {
		return Line{}, ErrMalformed
	}

	switch kindToken {
	case "", "c":
		kind = metric.Counter
	case "g":
		kind = metric.Gauge
	case "ms":
		kind = metric.Timer
	case "m":
		kind = metric.Meter
	case "h":
		kind = metric.Histogram
	default:
		return Line{}, ErrMalformed
	}

	signed := strings.HasPrefix(valueToken, "+") || strings.HasPrefix(valueToken, "-")
	if signed && kind == metric.Timer {
		return Line{}, ErrMalformed
	}

	value, err := strconv.ParseFloat(valueToken, 64)
	if err != nil {
		return Line{}, ErrMalformed
	}

	return Line{
		Name: name,
		Update: metric.Update{
			Kind:       kind,
			Value:      value,
			SampleRate: sampleRate,
			Signed:     signed && kind == metric.Gauge,
		},
	}, nil
}

// validName rejects empty names and names containing whitespace, ':' or
// '|', the delimiters that frame the wire format.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t':
			return false
		case r == ':' || r == '|':
			return false
		case r < 0x20 || r > 0x7e:
			return false
		}
	}
	return true
}
