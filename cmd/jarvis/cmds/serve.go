package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/viaiv/jarvis/pkg/engine"
	"github.com/viaiv/jarvis/pkg/eventbus"
	"github.com/viaiv/jarvis/pkg/server"
	"github.com/viaiv/jarvis/pkg/store"
)

type serveSettings struct {
	Addr   string `glazed:"addr"`
	DBPath string `glazed:"db-path"`
}

// ServeCommand runs the jarvis backend server.
type ServeCommand struct {
	*cmds.CommandDescription
}

func NewServeCommand() (*ServeCommand, error) {
	redisLayer, err := eventbus.NewParameterLayer()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the jarvis chat backend: auth, websocket streaming, and admin API"),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("HTTP listen address, overrides JARVIS_ADDR")),
			fields.New("db-path", fields.TypeString, fields.WithDefault(""), fields.WithHelp("sqlite database path, overrides JARVIS_DB_PATH")),
		),
		cmds.WithSections(redisLayer),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	flags := &serveSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, flags); err != nil {
		return errors.Wrap(err, "init serve settings")
	}

	settings, err := server.LoadSettings()
	if err != nil {
		return err
	}
	if flags.Addr != "" {
		settings.Addr = flags.Addr
	}
	if flags.DBPath != "" {
		settings.DBPath = flags.DBPath
	}

	rs := eventbus.Settings{}
	_ = parsed.DecodeSectionInto("redis", &rs)

	st, err := store.Open(settings.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bus, err := eventbus.New(rs)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	srv, err := server.New(ctx, settings, st, bus, engine.NewScripted())
	if err != nil {
		return err
	}

	log.Info().Str("db_path", settings.DBPath).Bool("redis", rs.Enabled).Msg("jarvis server configured")
	return srv.Run(ctx)
}

func serveMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd,
			fields.WithSource("cobra"),
		),
		sources.FromArgs(args,
			fields.WithSource("arguments"),
		),
		sources.FromEnv("JARVIS",
			fields.WithSource("env"),
		),
		sources.FromDefaults(
			fields.WithSource("defaults"),
		),
	}, nil
}

// AddToRootCommand registers the serve and chat commands.
func AddToRootCommand(root *cobra.Command) {
	serveCmd, err := NewServeCommand()
	cobra.CheckErr(err)
	cobraServeCmd, err := cli.BuildCobraCommand(serveCmd, cli.WithCobraMiddlewaresFunc(serveMiddlewares))
	cobra.CheckErr(err)
	root.AddCommand(cobraServeCmd)

	root.AddCommand(newChatCommand())
}
