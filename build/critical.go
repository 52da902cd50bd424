package build

import (
	"fmt"
	"os"
)

// Critical will print a message to os.Stderr unless DEBUG has been set, in
// which case panic will be called instead.
func Critical(v ...interface{}) {
	s := fmt.Sprintln(v...)
	os.Stderr.WriteString("Critical error: " + s)
	if DEBUG {
		panic(s)
	}
}

// Severe will print a message to os.Stderr unless DEBUG has been set, in
// which case panic will be called instead. Severe should be used for problems
// that the daemon can limp along with, but that an operator must see.
func Severe(v ...interface{}) {
	s := fmt.Sprintln(v...)
	os.Stderr.WriteString("Severe error: " + s)
	if DEBUG {
		panic(s)
	}
}
