package paths

func simplifyPath(v []Vec2, tol float64) []Vec2 {
	if len(v) < 3 {
		return append([]Vec2(nil), v...)
	}
	worst := 0
	worstD := 0.0
	for i := 1; i < len(v)-1; i++ {
		d := segDist(v[i], v[0], v[len(v)-1])
		if d > worstD {
			worst = i
			worstD = d
		}
	}
	if worstD <= tol {
		return []Vec2{v[0], v[len(v)-1]}
	}
	lefts := simplifyPath(v[:worst+1], tol)
	rights := simplifyPath(v[worst:], tol)
	r := make([]Vec2, 0, len(lefts)+len(rights)-1)
	r = append(r, lefts...)
	return append(r, rights[1:]...)
}

// Simplify returns a copy of the polylines with points removed, with the
// guarantee that all removed points are within the given tolerance
// (distance) from the new polyline. Endpoints are always kept.
func (ps Polylines) Simplify(tol float64) Polylines {
	r := make(Polylines, len(ps))
	for i, p := range ps {
		r[i] = Polyline{
			V:            simplifyPath(p.V, tol),
			Construction: p.Construction,
		}
	}
	return r
}
