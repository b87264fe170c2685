package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/criyle/zaun/probe"
)

func runProbe(ctx context.Context, args []string) error {
	var pretty bool
	fs := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	fs.BoolVar(&pretty, "pretty", false, "indent the report (default when writing to a terminal)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	info, err := probe.Collect()
	if err != nil {
		return err
	}
	return probe.Write(os.Stdout, info, pretty || probe.IsTerminal(os.Stdout))
}
