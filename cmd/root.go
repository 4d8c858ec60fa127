package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global flags
	verbose   bool
	imagePath string
	blockSize uint32
	readOnly  bool
)

var rootCmd = &cobra.Command{
	Use:   "go-snapfs",
	Short: "Writable-snapshot layer for journaled block filesystem images",
	Long: `go-snapfs manages point-in-time snapshots on a journaled, block-based
filesystem image. The live volume keeps accepting writes while snapshots
preserve its frozen state through copy-on-write.

Commands:
  mkfs        Format an image file
  status      Show superblock and feature summary
  snapshot    Create, take, enable, disable, delete, update and list snapshots
  cat         Read a block from a snapshot image through the read router`,
	Version: "0.1.0-dev",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "", "path to the filesystem image")
	rootCmd.PersistentFlags().Uint32Var(&blockSize, "block-size", 4096, "block size in bytes")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "open the image read-only")

	viper.BindPFlag("image", rootCmd.PersistentFlags().Lookup("image"))
	viper.BindPFlag("block_size", rootCmd.PersistentFlags().Lookup("block-size"))
	viper.BindPFlag("read_only", rootCmd.PersistentFlags().Lookup("read-only"))
}

func initConfig() {
	viper.SetConfigName("snapfs-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.snapfs")
	viper.AddConfigPath("/etc/snapfs")
	viper.SetEnvPrefix("SNAPFS")
	viper.AutomaticEnv()

	viper.SetDefault("block_size", 4096)

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "using config file: %s\n", viper.ConfigFileUsed())
	}
}
