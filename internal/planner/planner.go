// Package planner computes HLS segment boundaries ("breakpoints") from a
// source's I-frame timestamps and duration, honoring a target segment length
// with tolerance. It is a pure function with no I/O and no concurrency
// concerns — every other component treats its output as immutable.
package planner

// Defaults for target segment length and tolerance, in seconds.
const (
	DefaultTargetLength = 3.5
	DefaultTolerance    = 1.25
)

// Plan turns a sorted list of I-frame timestamps plus the source duration
// into a breakpoint vector b[0..N] with b[0]=0, b[N]=duration, strictly
// increasing, where segment i covers [b[i], b[i+1]). I-frame timestamps at
// or after duration are ignored.
//
// minSeg = targetLength-tolerance, maxSeg = targetLength+tolerance. A gap
// that ends at an accepted I-frame lies in [minSeg, maxSeg]. A longer
// interval is split into k = ceil(span/targetLength) equal parts, which never
// exceed targetLength but can fall below minSeg when tolerance is small
// relative to targetLength (a 480s interval with targetLength 50 and
// tolerance 1 gives 48s parts). When the gap between the last accepted
// boundary and duration is itself shorter than minSeg, it is absorbed into
// the previous segment rather than creating a sliver segment — that combined
// segment may exceed maxSeg.
func Plan(iframes []float64, duration, targetLength, tolerance float64) []float64 {
	if targetLength <= 0 {
		targetLength = DefaultTargetLength
	}
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	minSeg := targetLength - tolerance
	maxSeg := targetLength + tolerance

	out := []float64{0}
	lastTime := 0.0

	for _, t := range iframes {
		if t >= duration {
			break
		}
		gap := t - lastTime
		switch {
		case gap < minSeg:
			// Coalesce: skip this candidate, let the open segment keep growing.
			continue
		case gap < maxSeg:
			out = append(out, t)
			lastTime = t
		default:
			out = append(out, subdivide(lastTime, t, targetLength)...)
			lastTime = t // set directly to avoid accumulated float error
		}
	}

	// Close the final segment up to duration using the same three-way rule,
	// except the "skip" branch here must still leave duration as the final
	// boundary: it pops the dangling last breakpoint and lets the prior
	// segment run straight through to duration instead.
	gap := duration - lastTime
	switch {
	case gap < minSeg && len(out) > 1:
		out = out[:len(out)-1]
		out = append(out, duration)
	case gap < maxSeg:
		out = append(out, duration)
	default:
		out = append(out, subdivide(lastTime, duration, targetLength)...)
	}

	return out
}

// subdivide splits [from, to) into k equal sub-intervals of width <= target,
// returning the interior boundaries followed by to itself.
func subdivide(from, to, target float64) []float64 {
	span := to - from
	k := int(span / target)
	if float64(k)*target < span {
		k++
	}
	if k < 1 {
		k = 1
	}
	width := span / float64(k)

	points := make([]float64, 0, k)
	for i := 1; i < k; i++ {
		points = append(points, from+width*float64(i))
	}
	points = append(points, to)
	return points
}
