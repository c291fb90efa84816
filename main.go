package main

import "github.com/perimetric/periscope/cmd"

func main() {
	cmd.Execute()
}
