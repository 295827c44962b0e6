package resource

// Labels is a counted multiset of key/value pairs. Instance labels
// aggregate onto their unit with multiset semantics: a value's count
// tracks how many placed instances contribute it, so removing one
// instance never erases a label another instance still holds.
type Labels map[string]map[string]int

// NewLabels returns an empty multiset.
func NewLabels() Labels {
	return make(Labels)
}

// FromMap lifts a plain label map into a multiset with count 1 per
// value.
func FromMap(m map[string]string) Labels {
	l := make(Labels, len(m))
	for k, v := range m {
		l[k] = map[string]int{v: 1}
	}
	return l
}

// Add increments the count of value under key by n.
func (l Labels) Add(key, value string, n int) {
	if n <= 0 {
		return
	}
	vals := l[key]
	if vals == nil {
		vals = make(map[string]int)
		l[key] = vals
	}
	vals[value] += n
}

// Remove decrements the count of value under key by n, dropping the
// entry at zero. Counts never go negative.
func (l Labels) Remove(key, value string, n int) {
	vals := l[key]
	if vals == nil {
		return
	}
	c := vals[value] - n
	if c > 0 {
		vals[value] = c
		return
	}
	delete(vals, value)
	if len(vals) == 0 {
		delete(l, key)
	}
}

// Merge adds every count from other into l.
func (l Labels) Merge(other Labels) {
	for k, vals := range other {
		for v, n := range vals {
			l.Add(k, v, n)
		}
	}
}

// Subtract removes every count in other from l.
func (l Labels) Subtract(other Labels) {
	for k, vals := range other {
		for v, n := range vals {
			l.Remove(k, v, n)
		}
	}
}

// Has reports whether any value exists under key.
func (l Labels) Has(key string) bool {
	return len(l[key]) > 0
}

// HasValue reports whether the exact key/value pair exists.
func (l Labels) HasValue(key, value string) bool {
	return l[key][value] > 0
}

// Count returns the multiset count of the key/value pair.
func (l Labels) Count(key, value string) int {
	return l[key][value]
}

// Clone returns a deep copy.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, vals := range l {
		cv := make(map[string]int, len(vals))
		for v, n := range vals {
			cv[v] = n
		}
		out[k] = cv
	}
	return out
}

// Union returns a new multiset holding l merged with other; neither
// input is mutated.
func (l Labels) Union(other Labels) Labels {
	out := l.Clone()
	out.Merge(other)
	return out
}
