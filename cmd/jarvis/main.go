package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/viaiv/jarvis/cmd/jarvis/cmds"
)

func main() {
	root := &cobra.Command{
		Use:   "jarvis",
		Short: "Streaming chat assistant with a websocket server and terminal client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.InitLoggerFromCobra(cmd)
		},
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	if err := clay.InitGlazed("jarvis", root); err != nil {
		cobra.CheckErr(err)
	}

	cmds.AddToRootCommand(root)
	cobra.CheckErr(root.Execute())
}
