package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/affinities/affinities/cmd"
	_ "github.com/affinities/affinities/model/models"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
