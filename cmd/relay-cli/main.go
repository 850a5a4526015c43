package main

import (
	"github.com/nfrund/relay/cmd/relay-cli/cmd"
)

func main() {
	cmd.Execute()
}
