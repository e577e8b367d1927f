package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "mlmpretrain",
	Short:         "Distributed masked-language-model pretraining",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// glog registers -v, -logtostderr, -log_dir, ... on the standard flag set
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(trainCmd, checkConfigCmd, vocabCmd, exportCmd)
}

func main() {
	flag.CommandLine.Parse(nil)
	err := rootCmd.Execute()
	if err != nil {
		glog.Errorf("%v", err)
	}
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
