// Command coordinatord runs the cross-tab sync coordinator as a standalone
// service.
package main

import (
	"fmt"
	"os"

	"github.com/dbsync/coordinator/cmd/coordinatord/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
