// Command bridgesim drives a simulated USB4/NVMe bridge from the command
// line.
package main

import "github.com/sarchlab/usb4bridge/bridgesim/cmd"

func main() {
	cmd.Execute()
}
