package strategy

func init() {
	Register(Automatic, automaticFilter)
}

// automaticFilter resolves the iterated WoT-stability check as the maximal
// admissible prefix under input order: each pass re-scans the surviving
// candidate list from scratch, in its original relative order, and
// appends a candidate only if it stays admissible together with
// everything already re-accepted in that same pass. A candidate that
// passed an earlier pass is not grandfathered in: if it fails to make it
// back into the re-accepted set this time, it drops out. Recursion is on
// the survivors of the previous pass, so the candidate set shrinks
// monotonically across passes and a full pass with zero rejections is the
// fixpoint.
func automaticFilter(candidates []Candidate, admissible func(Candidate, []Candidate) bool) []Candidate {
	current := make([]Candidate, len(candidates))
	copy(current, candidates)

	for {
		passing := make([]Candidate, 0, len(current))
		rejected := false
		for _, c := range current {
			if admissible(c, passing) {
				passing = append(passing, c)
			} else {
				rejected = true
			}
		}
		if !rejected {
			return passing
		}
		current = passing
	}
}
