package main

import (
	"github.com/CloudNativeWorks/elchi-updater/cmd"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

var version = "0.1.0"

func main() {
	if err := cmd.Execute(version); err != nil {
		logger.Fatalf("Error: %v", err)
	}
}
