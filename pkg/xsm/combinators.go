package xsm

// Guard and action combinators, grounded on the fluent helpers the
// corpus provides for composing guards/actions without a fresh
// closure at every call site.

// AlwaysAllow is a GuardFunc that always returns true.
func AlwaysAllow(*ActionContext) bool { return true }

// NeverAllow is a GuardFunc that always returns false.
func NeverAllow(*ActionContext) bool { return false }

// AndGuard succeeds only if every guard succeeds, short-circuiting on
// the first false (left to right, per the spec's guard evaluation
// order).
func AndGuard(guards ...GuardFunc) GuardFunc {
	return func(ec *ActionContext) bool {
		for _, g := range guards {
			if !g(ec) {
				return false
			}
		}
		return true
	}
}

// OrGuard succeeds if any guard succeeds.
func OrGuard(guards ...GuardFunc) GuardFunc {
	return func(ec *ActionContext) bool {
		for _, g := range guards {
			if g(ec) {
				return true
			}
		}
		return false
	}
}

// NotGuard negates a guard.
func NotGuard(g GuardFunc) GuardFunc {
	return func(ec *ActionContext) bool { return !g(ec) }
}

// DataFieldEquals succeeds when ec.Data[key] == want.
func DataFieldEquals(key string, want any) GuardFunc {
	return func(ec *ActionContext) bool {
		v, ok := ec.Data[key]
		return ok && v == want
	}
}

// DataFieldExists succeeds when key is present in ec.Data.
func DataFieldExists(key string) GuardFunc {
	return func(ec *ActionContext) bool {
		_, ok := ec.Data[key]
		return ok
	}
}

// NoOpAction does nothing; useful as a placeholder in tests.
func NoOpAction(*ActionContext) error { return nil }

// ChainActions runs each action in order, stopping and returning the
// first error (which the interpreter converts to error.execution).
func ChainActions(actions ...ActionFunc) ActionFunc {
	return func(ec *ActionContext) error {
		for _, a := range actions {
			if err := a(ec); err != nil {
				return err
			}
		}
		return nil
	}
}
