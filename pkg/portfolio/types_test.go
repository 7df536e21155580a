package portfolio

import "testing"

func intp(v int) *int { return &v }

func TestSolverInfoEqual(t *testing.T) {
	t.Run("identical values are equal", func(t *testing.T) {
		a := SolverInfo{Name: "gecode", Cores: 2, Objective: intp(5)}
		b := SolverInfo{Name: "gecode", Cores: 2, Objective: intp(5)}
		if !a.Equal(b) {
			t.Error("expected equal SolverInfo values to compare equal")
		}
	})

	t.Run("differing cores are not equal", func(t *testing.T) {
		a := SolverInfo{Name: "gecode", Cores: 2}
		b := SolverInfo{Name: "gecode", Cores: 4}
		if a.Equal(b) {
			t.Error("expected differing cores to compare unequal")
		}
	})

	t.Run("nil vs non-nil objective are not equal", func(t *testing.T) {
		a := SolverInfo{Name: "gecode", Cores: 2}
		b := SolverInfo{Name: "gecode", Cores: 2, Objective: intp(1)}
		if a.Equal(b) {
			t.Error("expected nil/non-nil Objective to compare unequal")
		}
	})

	t.Run("both nil objective are equal", func(t *testing.T) {
		a := SolverInfo{Name: "gecode", Cores: 2}
		b := SolverInfo{Name: "gecode", Cores: 2}
		if !a.Equal(b) {
			t.Error("expected both-nil Objective to compare equal")
		}
	})
}

func TestObjectiveTypeIsBetter(t *testing.T) {
	t.Run("satisfy never reports better", func(t *testing.T) {
		if Satisfy.IsBetter(nil, intp(1)) {
			t.Error("Satisfy should never report a better bound")
		}
	})

	t.Run("nil old is always improved by a value", func(t *testing.T) {
		if !Minimize.IsBetter(nil, intp(10)) {
			t.Error("any value should be better than no bound yet")
		}
	})

	t.Run("nil old and nil new means nothing to report", func(t *testing.T) {
		if Minimize.IsBetter(nil, nil) {
			t.Error("nil new over nil old should not be better")
		}
	})

	t.Run("minimize prefers smaller", func(t *testing.T) {
		if !Minimize.IsBetter(intp(10), intp(7)) {
			t.Error("7 should be better than 10 under Minimize")
		}
		if Minimize.IsBetter(intp(7), intp(10)) {
			t.Error("10 should not be better than 7 under Minimize")
		}
	})

	t.Run("maximize prefers larger", func(t *testing.T) {
		if !Maximize.IsBetter(intp(7), intp(10)) {
			t.Error("10 should be better than 7 under Maximize")
		}
		if Maximize.IsBetter(intp(10), intp(7)) {
			t.Error("7 should not be better than 10 under Maximize")
		}
	})

	t.Run("new nil never improves an existing bound", func(t *testing.T) {
		if Minimize.IsBetter(intp(5), nil) {
			t.Error("a missing new bound should never be reported as better")
		}
	})
}

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusUnknown:       false,
		StatusOptimal:       true,
		StatusUnsatisfiable: true,
		StatusUnbounded:     true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%v.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStatusWireString(t *testing.T) {
	cases := map[Status]string{
		StatusOptimal:       "==========",
		StatusUnsatisfiable: "=====UNSATISFIABLE=====",
		StatusUnbounded:     "=====UNBOUNDED=====",
		StatusUnknown:       "=====UNKNOWN=====",
	}
	for status, want := range cases {
		if got := status.WireString(); got != want {
			t.Errorf("%v.WireString() = %q, want %q", status, got, want)
		}
	}
}
