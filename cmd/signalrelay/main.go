package main

import "signalrelay/internal/cli"

func main() {
	cli.Execute()
}
