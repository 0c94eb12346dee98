package main

import "github.com/machinefabric/altport-go/internal/cli"

func main() {
	cli.Execute()
}
