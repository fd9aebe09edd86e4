package main

import "github.com/markb/chagpt/cmd"

func main() {
	cmd.Execute()
}
