/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package plan

import "fmt"

// Grid derives actuator positions from tray geometry: trays (stages) sit
// along the rail, each holding a number of evenly spaced rows.
type Grid struct {
	Stages []GridStage `yaml:"stages" json:"stages"`
}

// GridStage is one tray. StageDistance is the travel from the previous
// stage's last row to this stage's first row (from home for the first
// stage); RowDistance separates successive rows within the stage.
type GridStage struct {
	StageDistance float64 `yaml:"stage_distance" json:"stageDistance"`
	Rows          int     `yaml:"rows" json:"rows"`
	RowDistance   float64 `yaml:"row_distance,omitempty" json:"rowDistance,omitempty"`
}

// Expand walks the grid and returns the absolute position of every row,
// accumulating from zero (the home position).
func (g *Grid) Expand() []float64 {
	var out []float64
	pos := 0.0
	for _, stage := range g.Stages {
		pos += stage.StageDistance
		out = append(out, pos)
		for row := 1; row < stage.Rows; row++ {
			pos += stage.RowDistance
			out = append(out, pos)
		}
	}
	return out
}

func (g *Grid) validate() []string {
	if len(g.Stages) == 0 {
		return []string{"grid must define at least one stage"}
	}
	var violations []string
	for i, stage := range g.Stages {
		if stage.Rows < 1 {
			violations = append(violations, fmt.Sprintf("grid stage %d: rows must be at least 1", i))
		}
		if stage.Rows > 1 && stage.RowDistance == 0 {
			violations = append(violations, fmt.Sprintf("grid stage %d: row_distance is required when rows > 1", i))
		}
	}
	return violations
}
