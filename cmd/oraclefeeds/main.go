package main

import (
	"oracle-price-feeds/internal/cli"
)

func main() {
	cli.Execute()
}
