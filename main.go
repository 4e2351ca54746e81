package main

import "github.com/xtopbot/xtopsupport/cmd"

func main() {
	cmd.Execute()
}
