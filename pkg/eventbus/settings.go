package eventbus

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// Settings selects the bus transport. With Enabled false the bus runs
// in-process over gochannel; with it true, chat event streams go through
// Redis Streams so multiple server instances can share them.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Publish chat events over Redis Streams instead of in-process"`
	Addr     string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Group    string `glazed:"redis-group" glazed.default:"jarvis" glazed.help:"Consumer group for chat event streams"`
	Consumer string `glazed:"redis-consumer" glazed.default:"server-1" glazed.help:"Consumer name within the group"`
}

// NewParameterLayer exposes the bus transport settings as a glazed section
// so serve can accept them as flags, env vars, or config entries.
func NewParameterLayer() (schema.Section, error) {
	return schema.NewSection(
		"redis",
		"Redis Streams transport for chat events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false)),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault("jarvis")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault("server-1")),
		),
	)
}
