package main

import "simlab-telemetry/internal/ctl"

func main() {
	ctl.Execute()
}
