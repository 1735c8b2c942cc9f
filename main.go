package main

import "github.com/scamshield/callguard/cmd"

func main() {
	cmd.Execute()
}
