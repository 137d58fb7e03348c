/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// destTimeLayout renders a scheduled time as a compact, fixed-width UTC
// stamp. Nanosecond precision keeps destinations unique even for sub-second
// intervals, and fixed width keeps keys lexicographically ordered.
const destTimeLayout = "20060102T150405.000000000"

var knownTokens = map[string]bool{
	"run":      true,
	"tick":     true,
	"time":     true,
	"position": true,
	"camera":   true,
	"frame":    true,
}

// Values carries everything a destination template can reference for one
// stored frame.
type Values struct {
	RunID    string
	Tick     int
	Time     time.Time
	Position float64
	Camera   string
	Frame    int
}

// ResolveDestination expands the template tokens {run}, {tick}, {time},
// {position}, {camera} and {frame} for one frame. Tick and frame are
// zero-padded so keys sort in capture order.
func ResolveDestination(template string, v Values) string {
	var b strings.Builder
	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		switch template[i+1 : i+end] {
		case "run":
			b.WriteString(v.RunID)
		case "tick":
			fmt.Fprintf(&b, "%06d", v.Tick)
		case "time":
			b.WriteString(v.Time.UTC().Format(destTimeLayout))
		case "position":
			b.WriteString(strconv.FormatFloat(v.Position, 'f', -1, 64))
		case "camera":
			b.WriteString(v.Camera)
		case "frame":
			fmt.Fprintf(&b, "%02d", v.Frame)
		default:
			b.WriteString(template[i : i+end+1])
		}
		i += end + 1
	}
	return b.String()
}

// validateTemplate enforces collision-freedom at plan time: every tick (and
// every camera and frame within it) must resolve to a distinct key.
func validateTemplate(template string, cameras, frames int) []string {
	var violations []string
	found := map[string]bool{}
	for i := 0; i < len(template); {
		if template[i] != '{' {
			i++
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			violations = append(violations, "destination has an unclosed '{'")
			break
		}
		name := template[i+1 : i+end]
		if !knownTokens[name] {
			violations = append(violations, fmt.Sprintf("destination has unknown token {%s}", name))
		}
		found[name] = true
		i += end + 1
	}
	if !found["tick"] && !found["time"] {
		violations = append(violations, "destination must include {tick} or {time} so ticks never collide")
	}
	if cameras > 1 && !found["camera"] {
		violations = append(violations, "destination must include {camera} when more than one camera is enabled")
	}
	if frames > 1 && !found["frame"] {
		violations = append(violations, "destination must include {frame} when frames_per_tick is greater than 1")
	}
	return violations
}
