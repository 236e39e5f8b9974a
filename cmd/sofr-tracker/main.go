package main

import "sofr-tracker/internal/cli"

func main() {
	cli.Execute()
}
