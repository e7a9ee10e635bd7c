package catalog

import (
	"math"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

// SplitEnvelope subdivides env into a fixed grid so that no cell exceeds
// maxDegrees on either axis. The grid keeps the outer edges exact so adjacent
// cells tile the envelope without gaps.
func SplitEnvelope(env harvest.Envelope, maxDegrees float64) []harvest.Envelope {
	if !env.IsValid() || maxDegrees <= 0 {
		return []harvest.Envelope{env}
	}
	cols := int(math.Ceil(env.Width() / maxDegrees))
	rows := int(math.Ceil(env.Height() / maxDegrees))
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if cols == 1 && rows == 1 {
		return []harvest.Envelope{env}
	}

	cellW := env.Width() / float64(cols)
	cellH := env.Height() / float64(rows)
	chunks := make([]harvest.Envelope, 0, cols*rows)
	for row := 0; row < rows; row++ {
		yMin := env.YMin + float64(row)*cellH
		yMax := yMin + cellH
		if row == rows-1 {
			yMax = env.YMax
		}
		for col := 0; col < cols; col++ {
			xMin := env.XMin + float64(col)*cellW
			xMax := xMin + cellW
			if col == cols-1 {
				xMax = env.XMax
			}
			chunks = append(chunks, harvest.Envelope{XMin: xMin, YMin: yMin, XMax: xMax, YMax: yMax})
		}
	}
	return chunks
}

// Quarter halves the envelope on both axes, yielding the four quadrants used
// when the catalog reports a truncated result for a chunk.
func Quarter(env harvest.Envelope) []harvest.Envelope {
	xMid := env.XMin + env.Width()/2
	yMid := env.YMin + env.Height()/2
	return []harvest.Envelope{
		{XMin: env.XMin, YMin: env.YMin, XMax: xMid, YMax: yMid},
		{XMin: xMid, YMin: env.YMin, XMax: env.XMax, YMax: yMid},
		{XMin: env.XMin, YMin: yMid, XMax: xMid, YMax: env.YMax},
		{XMin: xMid, YMin: yMid, XMax: env.XMax, YMax: env.YMax},
	}
}
