// Command loadtest drives a running Murmur server with synthetic WebSocket
// traffic. Two scenarios are built in: saturate opens and holds idle
// connections, chat runs the full pair lifecycle end to end.
package main

import (
	"fmt"
	"os"
)

var commands = map[string]func(args []string){
	"saturate": runSaturate,
	"chat":     runChat,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage()
		return
	}

	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(1)
	}
	run(os.Args[2:])
}

func usage() {
	fmt.Println("usage: loadtest <command> [flags]")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  saturate   open N idle connections and hold them")
	fmt.Println("  chat       connect, pair, exchange messages, disconnect")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for the scenario's flags.")
	fmt.Println()
	fmt.Println("The server rate limits connections and messages per source address,")
	fmt.Println("so high volume from one host needs those limits raised.")
}
