package main

import "chargeamps-bridge/cmd"

func main() {
	cmd.Execute()
}
