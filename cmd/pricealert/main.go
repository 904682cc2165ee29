package main

import "price-alert-engine/internal/cli"

func main() {
	cli.Execute()
}
