package main

import "rollgroups/cmd"

func main() {
	cmd.Execute()
}
