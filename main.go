package main

import (
	"io"
	"os"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}
