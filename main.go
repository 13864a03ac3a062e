package main

import "github.com/roostlabs/roost/cmd"

func main() {
	cmd.Execute()
}
