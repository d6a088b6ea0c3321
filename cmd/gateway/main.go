package main

import (
	"context"
	"fmt"
	"os"

	urfavecli "github.com/urfave/cli/v3"

	"github.com/tjfontaine/cascade-gateway/internal/cli"
)

func main() {
	err := cli.Run(context.Background(), os.Args)
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	if coder, ok := err.(urfavecli.ExitCoder); ok {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}
