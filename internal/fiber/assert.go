package fiber

// AssertFinite declares a region in which the calling fiber must not
// suspend; any Gate.Wait (directly or transitively) inside the region
// panics instead of silently blocking. Callers pair it with the returned
// end function, typically via defer:
//
//	end := fiber.AssertFinite(f)
//	defer end()
func AssertFinite(f *Fiber) func() {
	f.noWaitDepth++
	return func() {
		f.noWaitDepth--
	}
}

func assertCanWait(f *Fiber) {
	if f.noWaitDepth > 0 {
		panic("fiber: suspension inside a no-waiting region")
	}
}
