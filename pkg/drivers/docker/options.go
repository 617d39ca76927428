package docker

import (
	"fmt"

	"github.com/hoistpaas/hoist/pkg/cmdutil"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/transports/ssh"
)

// Placeholders available to command templates.
const (
	VarApp        = "app"
	VarDeployment = "deployment"
	VarRef        = "ref"
	VarSource     = "source"
	VarImage      = "image"
	VarContainer  = "container"
	VarNetwork    = "network"
	VarKey        = "key"
	VarName       = "name"
	VarPort       = "port"
)

var allVars = []string{VarApp, VarDeployment, VarRef, VarSource, VarImage, VarContainer, VarNetwork, VarKey, VarName, VarPort}

// Commands are shell-quoted command templates. Placeholders are written as
// {name}; see the Var constants.
type Commands struct {
	Build    string `yaml:"build"`
	Run      string `yaml:"run"`
	Logs     string `yaml:"logs"`
	Stop     string `yaml:"stop"`
	Remove   string `yaml:"remove"`
	Reload   string `yaml:"reload"`
	Database map[engine.DatabaseEngine]string `yaml:"database"`
}

// DefaultCommands returns templates for the docker CLI.
func DefaultCommands(binary string) Commands {
	return Commands{
		Build:  binary + " build --pull -t {image} --label hoist.deployment={deployment} {source}",
		Run:    binary + " run -d --name {container} --network {network} --label hoist.app={app} --label hoist.deployment={deployment} --env PORT={port} --restart unless-stopped {image}",
		Logs:   binary + " logs --follow --timestamps=false {container}",
		Stop:   binary + " stop {container}",
		Remove: binary + " rm -f {container}",
		Database: map[engine.DatabaseEngine]string{
			engine.DatabaseEnginePostgres: binary + " run -d --name {container} --label hoist.key={key} -e POSTGRES_DB={name} -e POSTGRES_HOST_AUTH_METHOD=trust -v {container}:/var/lib/postgresql/data postgres:16",
			engine.DatabaseEngineMySQL:    binary + " run -d --name {container} --label hoist.key={key} -e MYSQL_DATABASE={name} -e MYSQL_ALLOW_EMPTY_PASSWORD=yes -v {container}:/var/lib/mysql mysql:8",
			engine.DatabaseEngineRedis:    binary + " run -d --name {container} --label hoist.key={key} -v {container}:/data redis:7",
		},
	}
}

// Options configures a docker driver instance.
type Options struct {
	Name string `yaml:"-"`

	// Binary is the docker CLI, or a compatible one such as podman.
	Binary string `yaml:"binary"`

	// SSH runs every command on a remote host. Commands run locally when unset.
	SSH *ssh.Config `yaml:"ssh"`

	Commands Commands `yaml:"commands"`

	// Port is the port applications listen on inside their container.
	Port int `yaml:"port"`

	// RoutesDir receives one reverse-proxy site file per certificate hostname.
	// Certificates are not supported when empty.
	RoutesDir string `yaml:"routes_dir"`

	// PublicAddresses are the addresses a hostname must resolve to before its
	// DNS counts as configured. Any answer counts when empty.
	PublicAddresses []string `yaml:"public_addresses"`

	// LogRetention is the number of lines kept per phase for replay.
	LogRetention int `yaml:"log_retention"`
}

func (o *Options) applyDefaults() {
	if o.Binary == "" {
		o.Binary = "docker"
	}
	defaults := DefaultCommands(o.Binary)
	if o.Commands.Build == "" {
		o.Commands.Build = defaults.Build
	}
	if o.Commands.Run == "" {
		o.Commands.Run = defaults.Run
	}
	if o.Commands.Logs == "" {
		o.Commands.Logs = defaults.Logs
	}
	if o.Commands.Stop == "" {
		o.Commands.Stop = defaults.Stop
	}
	if o.Commands.Remove == "" {
		o.Commands.Remove = defaults.Remove
	}
	if o.Commands.Database == nil {
		o.Commands.Database = defaults.Database
	}
	if o.Port == 0 {
		o.Port = 8080
	}
	if o.SSH != nil {
		o.SSH.ApplyDefaults()
	}
}

// templates holds the parsed commands.
type templates struct {
	build, run, logs, stop, remove, reload *cmdutil.Template
	database                               map[engine.DatabaseEngine]*cmdutil.Template
}

func parseTemplates(c Commands) (*templates, error) {
	t := &templates{database: make(map[engine.DatabaseEngine]*cmdutil.Template)}
	for _, item := range []struct {
		dst *(*cmdutil.Template)
		raw string
	}{
		{&t.build, c.Build},
		{&t.run, c.Run},
		{&t.logs, c.Logs},
		{&t.stop, c.Stop},
		{&t.remove, c.Remove},
		{&t.reload, c.Reload},
	} {
		if item.raw == "" {
			continue
		}
		tmpl, err := cmdutil.ParseTemplate(item.raw, allVars...)
		if err != nil {
			return nil, err
		}
		*item.dst = tmpl
	}
	for e, raw := range c.Database {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("database command: %w", err)
		}
		tmpl, err := cmdutil.ParseTemplate(raw, allVars...)
		if err != nil {
			return nil, err
		}
		t.database[e] = tmpl
	}
	return t, nil
}
