// Package rpcd publishes the daemon on ubus through an rpcd exec plugin.
//
// rpcd runs every executable in its plugin directory with "list" to learn
// the methods and with "call <method>" (arguments as JSON on stdin) to
// invoke one. The generated script forwards calls to netlocctl.
package rpcd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg/logx"
)

// DefaultPluginPath is where rpcd looks for exec plugins
const DefaultPluginPath = "/usr/libexec/rpcd/netloc"

// Method is one ubus method of the netloc object
type Method struct {
	Name string
	// Command is the netlocctl command line the method runs
	Command string
	// Args maps JSON argument names to example values for "list"
	Args map[string]string
}

// Methods exposed on the netloc ubus object
var Methods = []Method{
	{Name: "status", Command: "status"},
	{Name: "location", Command: "location"},
	{Name: "history", Command: "history", Args: map[string]string{"limit": "int"}},
	{Name: "observations", Command: "observations", Args: map[string]string{"limit": "int"}},
	{Name: "flush", Command: "flush"},
	{Name: "reload", Command: "reload"},
}

// Config holds plugin settings
type Config struct {
	Path    string `json:"path"`
	CtlPath string `json:"ctl_path"`
	APIURL  string `json:"api_url"`
	AuthKey string `json:"auth_key"`
}

type runFunc func(ctx context.Context, name string, args ...string) error

// Plugin installs and removes the rpcd plugin script
type Plugin struct {
	config  Config
	logger  *logx.Logger
	restart runFunc
}

// NewPlugin creates a plugin installer
func NewPlugin(config Config, logger *logx.Logger) *Plugin {
	if config.Path == "" {
		config.Path = DefaultPluginPath
	}
	if config.CtlPath == "" {
		config.CtlPath = "/usr/bin/netlocctl"
	}
	if logger == nil {
		logger = logx.NewNopLogger()
	}
	return &Plugin{
		config: config,
		logger: logger,
		restart: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

var scriptTemplate = template.Must(template.New("rpcd").Parse(`#!/bin/sh
# netloc rpcd plugin, generated by netlocd

. /usr/share/libubox/jshn.sh

CTL="{{.CtlPath}} -format json -api {{.APIURL}}{{if .AuthKey}} -auth {{.AuthKey}}{{end}}"

case "$1" in
	list)
		json_init
{{- range .Methods}}
		json_add_object "{{.Name}}"
{{- range $arg, $example := .Args}}
		json_add_string "{{$arg}}" "{{$example}}"
{{- end}}
		json_close_object
{{- end}}
		json_dump
		;;
	call)
		read -r input
		[ -n "$input" ] || input='{}'
		json_load "$input" 2>/dev/null
		case "$2" in
{{- range .Methods}}
			{{.Name}})
{{- if .Args}}
				json_get_var limit limit
				$CTL {{.Command}} $limit
{{- else}}
				$CTL {{.Command}}
{{- end}}
				;;
{{- end}}
			*)
				json_init
				json_add_string "error" "unknown method $2"
				json_dump
				;;
		esac
		;;
esac
`))

// Script renders the plugin script
func (p *Plugin) Script() (string, error) {
	var buf bytes.Buffer
	err := scriptTemplate.Execute(&buf, struct {
		Config
		Methods []Method
	}{p.config, Methods})
	if err != nil {
		return "", fmt.Errorf("failed to render rpcd plugin: %w", err)
	}
	return buf.String(), nil
}

// Install writes the plugin and restarts rpcd so it is picked up
func (p *Plugin) Install(ctx context.Context) error {
	script, err := p.Script()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.config.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create rpcd plugin directory: %w", err)
	}
	if err := os.WriteFile(p.config.Path, []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write rpcd plugin: %w", err)
	}

	p.restartRPCD(ctx)
	p.logger.Info("rpcd plugin installed", "plugin", p.config.Path, "methods", len(Methods))
	return nil
}

// Remove deletes the plugin and restarts rpcd
func (p *Plugin) Remove(ctx context.Context) error {
	if err := os.Remove(p.config.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove rpcd plugin: %w", err)
	}
	p.restartRPCD(ctx)
	return nil
}

func (p *Plugin) restartRPCD(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// the plugin still loads on the next rpcd start
	if err := p.restart(ctx, "/etc/init.d/rpcd", "restart"); err != nil {
		p.logger.Warn("Failed to restart rpcd", "error", err)
	}
}
