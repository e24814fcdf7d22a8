//go:build debug

package cmn

import "fmt"

// Assert panics if cond is false. Compiled out entirely unless built with
// `-tags debug`, exactly like the teacher's cmn/debug package: programming
// errors (§7) abort in debug builds and are checked-but-silent in release
// builds (see debug_release.go).
func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint("assertion failed", fmt.Sprint(args...)))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Func runs f only in debug builds; used for expensive consistency checks
// that shouldn't cost anything in production (mirrors debug.Func in
// xact/xs/tcb.go-style call sites).
func Func(f func()) { f() }

const DebugBuild = true
