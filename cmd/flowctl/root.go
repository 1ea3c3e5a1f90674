package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claudeflow/sdk/go/claudeflow"
)

const defaultServer = "http://localhost:8080"

// app 保存一次命令执行共享的客户端与输出状态。
type app struct {
	v      *viper.Viper
	client *claudeflow.Client
	render *renderer

	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:          "flowctl",
		Short:        "Command line client for the claudeflow task service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("server", defaultServer, "flowd base URL (env FLOWCTL_SERVER)")
	flags.String("token", "", "bearer token (env FLOWCTL_TOKEN)")
	flags.Bool("json", false, "print raw JSON instead of formatted output")
	flags.Bool("plain", false, "print task outputs without markdown rendering")
	flags.Bool("no-color", false, "disable coloured output")
	_ = a.v.BindPFlags(flags)

	a.v.SetEnvPrefix("FLOWCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.v.SetConfigName("flowctl")
	a.v.SetConfigType("yaml")
	a.v.AddConfigPath("$HOME/.config/claudeflow")
	a.v.AddConfigPath(".")

	root.AddCommand(
		newTaskCommand(a),
		newAgentsCommand(a),
		newHiveCommand(a),
		newSwarmCommand(a),
	)
	return root
}

// init 读取可选配置文件并创建 SDK 客户端。
func (a *app) init(cmd *cobra.Command) error {
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read flowctl config: %w", err)
		}
	}

	a.out = cmd.OutOrStdout()
	a.err = cmd.ErrOrStderr()
	if a.v.GetBool("no-color") {
		color.NoColor = true
	}
	a.render = newRenderer(a.v.GetBool("plain") || color.NoColor)

	client, err := claudeflow.NewClient(a.v.GetString("server"), claudeflow.WithToken(a.v.GetString("token")))
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("json")
}

// printf 串行化输出，事件回调与主流程可能同时写终端。
func (a *app) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) warnf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.err, yellow("warning: ")+format+"\n", args...)
}
