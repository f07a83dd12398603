package main

import "github.com/baltic-freight/tms/cmd/tmsctl/cli"

func main() {
	cli.Execute()
}
