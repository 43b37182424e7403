// thread-commissioner is an external Thread Commissioner: it petitions a
// Thread network through its Border Agent, steers joiners onto the mesh,
// and administers the network's operational datasets.
//
// Usage:
//
//	thread-commissioner <config-file>
//
// The configuration file is JSON; see pkg/app.Config for the recognized
// keys. A first SIGINT aborts the command in flight, a second one exits.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/backkem/thread-commissioner/pkg/app"
)

// Version is the commissioner version reported by --version.
var Version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "thread-commissioner <config-file>",
		Short:         "External Thread Commissioner",
		Version:       Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.Flags().BoolP("version", "v", false, "Print the version and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "thread-commissioner: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	a, err := app.NewApp(args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)

	fmt.Println("thread-commissioner ready; interrupt twice to exit")

	// First interrupt aborts whatever is in flight, second one exits.
	<-sigCh
	a.AbortRequests()
	fmt.Println("aborted in-flight requests; interrupt again to exit")
	<-sigCh

	if a.IsActive() {
		a.Stop()
	}
	return nil
}
