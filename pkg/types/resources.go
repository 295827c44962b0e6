package types

// Clone returns a deep copy.
func (r Resources) Clone() Resources {
	out := Resources{CPU: r.CPU, Memory: r.Memory}
	if len(r.Custom) > 0 {
		out.Custom = make(map[string]int64, len(r.Custom))
		for k, v := range r.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// Add returns r + other.
func (r Resources) Add(other Resources) Resources {
	out := r.Clone()
	out.CPU += other.CPU
	out.Memory += other.Memory
	for k, v := range other.Custom {
		if out.Custom == nil {
			out.Custom = make(map[string]int64, len(other.Custom))
		}
		out.Custom[k] += v
	}
	return out
}

// Sub returns r - other. Values may go negative; callers that care use
// Fits first.
func (r Resources) Sub(other Resources) Resources {
	out := r.Clone()
	out.CPU -= other.CPU
	out.Memory -= other.Memory
	for k, v := range other.Custom {
		if out.Custom == nil {
			out.Custom = make(map[string]int64, len(other.Custom))
		}
		out.Custom[k] -= v
	}
	return out
}

// Fits reports whether demand fits inside r on every dimension. A
// custom dimension absent from r counts as zero.
func (r Resources) Fits(demand Resources) bool {
	if demand.CPU > r.CPU || demand.Memory > r.Memory {
		return false
	}
	for k, v := range demand.Custom {
		if v > r.Custom[k] {
			return false
		}
	}
	return true
}

// IsZero reports whether every dimension is zero.
func (r Resources) IsZero() bool {
	if r.CPU != 0 || r.Memory != 0 {
		return false
	}
	for _, v := range r.Custom {
		if v != 0 {
			return false
		}
	}
	return true
}

// Weight collapses the vector to a single comparable magnitude, used to
// order preemption victims by how much a single eviction frees.
func (r Resources) Weight() int64 {
	w := r.CPU + r.Memory
	for _, v := range r.Custom {
		w += v
	}
	return w
}
