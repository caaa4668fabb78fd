package main

import (
	_ "time/tzdata"

	"github.com/example/teetime-scheduler/cmd"
)

func main() {
	cmd.Execute()
}
