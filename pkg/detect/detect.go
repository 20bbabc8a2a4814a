// Package detect parses and formats the text output of object detection and
// classification engines.
package detect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Each detection line ends with these fields, after a label that may contain spaces:
// confidence x y width height
const numTrailingFields = 5

// Detection is one object found by a detector.
// Coordinates are pixels in the source image. They are not clamped to the image bounds.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Right      int     `json:"right"`
	Bottom     int     `json:"bottom"`
}

// Box returns the detection's bounding box
func (d *Detection) Box() Rect {
	return Rect{
		X:      d.Left,
		Y:      d.Top,
		Width:  d.Right - d.Left,
		Height: d.Bottom - d.Top,
	}
}

func (d *Detection) String() string {
	return fmt.Sprintf("%v %.2f [%v,%v,%v,%v]", d.Label, d.Confidence, d.Left, d.Top, d.Right, d.Bottom)
}

// ParseLine parses a line of the form "<label> <confidence> <x> <y> <w> <h>".
// The label is every token before the last five, joined by single spaces.
func ParseLine(line string) (Detection, error) {
	tokens := strings.Fields(line)
	if len(tokens) < numTrailingFields+1 {
		return Detection{}, fmt.Errorf("Detection line '%v' has %v fields, need at least %v", line, len(tokens), numTrailingFields+1)
	}
	n := len(tokens) - numTrailingFields
	conf, err := strconv.ParseFloat(tokens[n], 64)
	if err != nil {
		return Detection{}, fmt.Errorf("Invalid confidence in detection line '%v': %w", line, err)
	}
	var nums [4]int
	for i := 0; i < 4; i++ {
		nums[i], err = strconv.Atoi(tokens[n+1+i])
		if err != nil {
			return Detection{}, fmt.Errorf("Invalid coordinate in detection line '%v': %w", line, err)
		}
	}
	return Detection{
		Label:      strings.Join(tokens[:n], " "),
		Confidence: conf,
		Left:       nums[0],
		Top:        nums[1],
		Right:      nums[0] + nums[2],
		Bottom:     nums[1] + nums[3],
	}, nil
}

// ParseResult parses every non-empty line of a detector's output.
// Lines that cannot be parsed are returned as errors, and do not prevent the
// remaining lines from being parsed.
func ParseResult(text string) ([]Detection, []error) {
	dets := []Detection{}
	var errs []error
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d, err := ParseLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dets = append(dets, d)
	}
	return dets, errs
}

// MarshalResult produces the JSON array that is published for the data collector
func MarshalResult(dets []Detection) ([]byte, error) {
	if dets == nil {
		dets = []Detection{}
	}
	return json.Marshal(dets)
}

var newlineRuns = regexp.MustCompile(`\n+`)

// DisplayString turns raw engine output into the HTML fragment shown on the dashboard.
// Each run of newlines becomes a single <br />.
func DisplayString(raw string) string {
	return newlineRuns.ReplaceAllString(raw, "<br />")
}

// Labels returns the distinct labels in dets, in order of first appearance
func Labels(dets []Detection) []string {
	seen := map[string]bool{}
	labels := []string{}
	for _, d := range dets {
		if !seen[d.Label] {
			seen[d.Label] = true
			labels = append(labels, d.Label)
		}
	}
	return labels
}
