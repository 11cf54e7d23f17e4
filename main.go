package main

import (
	"LinguaFM/cmd"
)

func main() {
	cmd.Execute()
}
