// Command redax is the readout-host CLI: it wires the core ReadoutLoop/
// FormatterWorker/Supervisor pipeline to its external collaborators
// (config, logging, chunk storage, status publishing, run telemetry) and
// exposes them as cobra subcommands, mirroring the teacher's cmd/dastard.
package main

import "github.com/xedaq/redax/cmd/redax/cmd"

func main() {
	cmd.Execute()
}
