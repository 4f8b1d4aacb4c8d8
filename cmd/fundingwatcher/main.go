package main

import (
	"funding-arb-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
