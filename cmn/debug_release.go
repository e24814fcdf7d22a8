//go:build !debug

package cmn

// Release build: assertions are compiled away to nothing but the branch
// condition itself is still typechecked, so callers can't silently bitrot.

func Assert(cond bool, args ...any) {}

func Assertf(cond bool, format string, args ...any) {}

func AssertNoErr(err error) {}

func Func(f func()) {}

const DebugBuild = false
