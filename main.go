package main

import "github.com/nextlevelbuilder/goswarm/cmd"

func main() {
	cmd.Execute()
}
