package strategy

func init() {
	Register(ManualRoot, manualRootFilter)
}

// manualRootFilter admits every candidate unconditionally, ignoring the
// admissibility predicate: the root block has no prior WoT to check
// newcomers against, so the operator's manually curated founder list is
// trusted as-is.
func manualRootFilter(candidates []Candidate, _ func(Candidate, []Candidate) bool) []Candidate {
	admitted := make([]Candidate, len(candidates))
	copy(admitted, candidates)
	return admitted
}
