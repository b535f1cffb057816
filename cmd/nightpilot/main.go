package main

import (
	"context"
	"fmt"
	"os"

	"nightpilot/internal/cli"
	"nightpilot/internal/errors"
)

func main() {
	if err := cli.Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", h)
		}
		os.Exit(1)
	}
}
