package main

import "github.com/shirokane/kadnet/cmd/kadnet/commands"

func main() {
	commands.Execute()
}
