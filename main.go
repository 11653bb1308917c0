// Command live-tender records live Twitch rooms with their chat overlay and
// publishes the processed broadcasts. See `live-tender --help` for commands.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-tender/cli"
)

func main() {
	// Local dev convenience; production relies on the real environment.
	_ = godotenv.Load()
	os.Exit(cli.Execute(os.Args[1:]))
}
