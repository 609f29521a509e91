package main

import "github.com/jmehdipour/dispatch-batch/cmd"

func main() {
	cmd.Execute()
}
