package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitzhang10/BinBFT/config"
	"github.com/gitzhang10/BinBFT/schain"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configName   string
	configPath   string
	configPrefix string
	startDelay   time.Duration
)

func init() {
	startCmd.Flags().StringVar(&configName, "config", "config", "name of the configuration file, without extension")
	startCmd.Flags().StringVar(&configPath, "config-path", "./", "directory holding the configuration file")
	startCmd.Flags().StringVar(&configPrefix, "env-prefix", "", "prefix of environment variables overriding the configuration")
	// wait for each node to start
	startCmd.Flags().DurationVar(&startDelay, "start-delay", 15*time.Second, "time to wait for the other nodes before connecting")
	rootCmd.AddCommand(startCmd)
}

var rootCmd = &cobra.Command{
	Use:   "binbft",
	Short: "Binary Byzantine agreement for a permissioned schain",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	conf, err := config.LoadConfig(configPrefix, configName, configPath)
	if err != nil {
		return err
	}
	if conf.Protocol != "binbft" {
		return errors.Errorf("the protocol %q is unknown", conf.Protocol)
	}

	node, err := schain.NewNode(conf)
	if err != nil {
		return err
	}
	defer node.Close()
	if err = node.StartP2PListen(); err != nil {
		return err
	}
	time.Sleep(startDelay)
	if err = node.EstablishP2PConns(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Printf("%s starts the binary consensus!\n", conf.Name)
	return node.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
