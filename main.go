package main

import "github.com/toralehq/torale/cmd"

func main() {
	cmd.Execute()
}
