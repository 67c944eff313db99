// wipeadmind coordinates recurring wipes on Rust game servers. It works out
// when each server's next wipe is, opens a community vote on what gets wiped,
// and pushes the result to the server over its remote console.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/packetflinger/wipeadmind/backend"
)

var (
	config     = flag.String("config", "config/config.json", "The main config file")
	foreground = flag.Bool("foreground", false, "Log to the console or file")
)

func main() {
	flag.Parse()

	// catch stuff like ctrl+c
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend.Startup(ctx, *config, *foreground)
}
