package main

import "spend-optimizer/internal/cli"

func main() {
	cli.Execute()
}
