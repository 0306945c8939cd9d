package main

import "github.com/tessera-dev/tessera/cmd"

func main() {
	cmd.Execute()
}
