package main

import "github.com/xela07ax/skillgate/internal/cli"

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cli.SetVersionInfo(version, commit)
	cli.Execute()
}
