package main

import (
	"os"

	"upscaler/cmd/runjob/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
