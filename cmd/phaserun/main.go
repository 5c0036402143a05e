package main

import (
	"github.com/Paintersrp/phaserun/internal/cli"
	"github.com/Paintersrp/phaserun/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
