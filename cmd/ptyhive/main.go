// Command ptyhive hosts interactive terminal sessions and streams their
// output to websocket and REST clients.
package main

import (
	"context"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
