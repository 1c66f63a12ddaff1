// Package main is the entry point for the multicast packet capture tool.
package main

import (
	"os"

	"firestige.xyz/pcap4mcast/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
