package main

import "yield-guard/internal/cli"

func main() {
	cli.Execute()
}
