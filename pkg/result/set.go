package result

// Set is the ordered collection of results for one dispatch: one entry per
// dispatched target, in the input target order regardless of completion
// order. Immutable once returned.
type Set struct {
	results []*Result
}

func NewSet(results []*Result) *Set {
	return &Set{results: results}
}

func (s *Set) Results() []*Result { return s.results }

func (s *Set) Len() int { return len(s.results) }

// Counts returns how many results succeeded and failed. Structurally corrupt
// status data is surfaced, not counted either way.
func (s *Set) Counts() (ok, failed int, err error) {
	for _, r := range s.results {
		st, serr := r.Status()
		if serr != nil {
			return 0, 0, serr
		}
		if st == StatusSuccess {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed, nil
}

// Ok reports whether every result in the set succeeded.
func (s *Set) Ok() (bool, error) {
	_, failed, err := s.Counts()
	if err != nil {
		return false, err
	}
	return failed == 0, nil
}

// Filter returns the subset of results matching pred, preserving order.
func (s *Set) Filter(pred func(*Result) bool) *Set {
	var out []*Result
	for _, r := range s.results {
		if pred(r) {
			out = append(out, r)
		}
	}
	return &Set{results: out}
}

// Failures returns the failing subset, typically fed back into a re-dispatch.
func (s *Set) Failures() (*Set, error) {
	var out []*Result
	for _, r := range s.results {
		st, err := r.Status()
		if err != nil {
			return nil, err
		}
		if st == StatusFailure {
			out = append(out, r)
		}
	}
	return &Set{results: out}, nil
}

// Targets lists the target names in result order.
func (s *Set) Targets() []string {
	names := make([]string, len(s.results))
	for i, r := range s.results {
		names[i] = r.Target.SafeName()
	}
	return names
}

// ToData serializes every result through the canonical map form, in order.
func (s *Set) ToData() ([]map[string]any, error) {
	out := make([]map[string]any, len(s.results))
	for i, r := range s.results {
		d, err := r.ToData()
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
