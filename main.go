package main

import "github.com/openWB/PiShrink/cmd"

func main() {
	cmd.Execute()
}
