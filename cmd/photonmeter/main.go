// photonmeter - passive combat meter for Photon game traffic.
//
// photonmeter captures the UDP traffic between a game client and its
// server, decodes the Photon framing and Protocol16 payloads, maps health
// updates to damage and healing, resolves the local player and party, and
// keeps a rolling per-source meter plus a history of finished encounters.
// Results are served over a local REST/WebSocket API, an interactive
// console and optional MQTT telemetry.
package main

import (
	"fmt"
	"os"
)

const Banner = `
        __          __                        __
   ___ / /  ___  __/ /____  ___  __ _  ___ / /____ ____
  / _ \/ _ \/ _ \/ __/ _ \/ _ \/  ' \/ -_) __/ -_) __/
 / .__/_//_/\___/\__/\___/_//_/_/_/_/\__/\__/\__/_/
/_/  v%s
`

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
