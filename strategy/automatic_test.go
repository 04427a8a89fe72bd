package strategy

import (
	"testing"

	"github.com/duniter-go/gonode/wot"
)

func membershipFor(issuer string) wot.Membership {
	return wot.Membership{Issuer: issuer, Membership: wot.MembershipIN}
}

func TestAutomaticFilterEvictsACandidateOutdistancedByALaterAdmission(t *testing.T) {
	// B is admissible only as long as D is not in the trial. The forward
	// scan admits A, then D, at which point B fails; that single rejection
	// forces a second pass over the survivors [A, D, C], which all pass
	// together once B is out of the running.
	a := Candidate{Membership: membershipFor("a")}
	d := Candidate{Membership: membershipFor("d")}
	b := Candidate{Membership: membershipFor("b")}
	c := Candidate{Membership: membershipFor("c")}
	candidates := []Candidate{a, d, b, c}

	admissible := func(cand Candidate, trial []Candidate) bool {
		if cand.Membership.Issuer != "b" {
			return true
		}
		for _, other := range trial {
			if other.Membership.Issuer == "d" {
				return false
			}
		}
		return true
	}

	admitted := automaticFilter(candidates, admissible)
	if len(admitted) != 3 {
		t.Fatalf("len(admitted) = %d, want 3: %+v", len(admitted), admitted)
	}
	order := []string{admitted[0].Membership.Issuer, admitted[1].Membership.Issuer, admitted[2].Membership.Issuer}
	want := []string{"a", "d", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("admission order = %v, want %v (b should have been evicted)", order, want)
		}
	}
}

func TestAutomaticFilterNeverAdmitsAnAlwaysRejectedCandidate(t *testing.T) {
	a := Candidate{Membership: membershipFor("a")}
	stuck := Candidate{Membership: membershipFor("stuck")}
	candidates := []Candidate{a, stuck}

	admissible := func(c Candidate, _ []Candidate) bool {
		return c.Membership.Issuer != "stuck"
	}

	admitted := automaticFilter(candidates, admissible)
	if len(admitted) != 1 || admitted[0].Membership.Issuer != "a" {
		t.Fatalf("expected only a to be admitted, got %+v", admitted)
	}
}

func TestAutomaticFilterPreservesInputOrderWithinAPass(t *testing.T) {
	a := Candidate{Membership: membershipFor("a")}
	b := Candidate{Membership: membershipFor("b")}
	c := Candidate{Membership: membershipFor("c")}
	candidates := []Candidate{c, a, b}

	admitted := automaticFilter(candidates, func(Candidate, []Candidate) bool { return true })
	if len(admitted) != 3 {
		t.Fatalf("len(admitted) = %d, want 3", len(admitted))
	}
	order := []string{admitted[0].Membership.Issuer, admitted[1].Membership.Issuer, admitted[2].Membership.Issuer}
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("admission order = %v, want %v", order, want)
		}
	}
}
