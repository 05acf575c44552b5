package main

import "github.com/kozaktomas/profile-match/cmd"

func main() {
	cmd.Execute()
}
