package cmn

import "fmt"

// Assert panics with args if cond is false. Mirrors the teacher's
// `cmn.Assert` usage (transport/send.go, xaction/demand/demand.go,
// ec/putjogger.go) which guards internal invariants, never user input.
func Assert(cond bool, args ...interface{}) {
	if cond {
		return
	}
	if len(args) == 0 {
		panic("assertion failed")
	}
	panic(fmt.Sprint(args...))
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
