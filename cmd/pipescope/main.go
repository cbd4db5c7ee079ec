package main

import "github.com/bryanchriswhite/PipeScope/cmd/pipescope/commands"

func main() {
	commands.Execute()
}
