// Command sessionctl is a CLI client for the sessiond admin HTTP surface.
package main

import "github.com/overlaymesh/sessiond/cmd/sessionctl/commands"

func main() {
	commands.Execute()
}
