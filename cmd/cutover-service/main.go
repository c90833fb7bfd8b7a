package main

import (
	"fmt"
	"os"

	"github.com/caseflow-io/caseflow-engine/services/cutover"
)

func main() {
	if err := cutover.Command().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(cutover.ExitCode(err))
	}
}
