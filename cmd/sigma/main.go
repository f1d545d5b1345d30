// Command sigma runs the encrypted messaging client core as an HTTP service.
package main

import (
	"fmt"
	"log"
	"os"

	"sigma/cmd/internal/app"

	"github.com/spf13/pflag"
)

func main() {
	var o app.Overrides

	fs := pflag.NewFlagSet("sigma", pflag.ExitOnError)
	fs.StringVarP(&o.HTTPAddr, "addr", "a", "", "listen address (overrides SIGMA_HTTP_ADDR)")
	fs.StringVar(&o.LogLevel, "log-level", "", "debug, info, warn or error (overrides SIGMA_LOG_LEVEL)")
	fs.StringVar(&o.LogFormat, "log-format", "", "json or pretty (overrides SIGMA_LOG_FORMAT)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sigma [flags]\n\nConfiguration is read from SIGMA_* environment variables.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if err := app.Run(o); err != nil {
		log.Fatal(err)
	}
}
