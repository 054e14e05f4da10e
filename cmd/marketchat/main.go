// Package main is the marketchat command line client. It provides
// subcommands on top of the chat and offer engines:
//
//   - chat:    enter a conversation, stream messages and send from stdin
//   - offer:   create, accept or decline an offer
//   - archive: copy a chat's full history into PostgreSQL
//   - notify:  print notifications forwarded by running chat sessions
//
// Usage:
//
//	marketchat <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(os.Args[2:])
	case "offer":
		err = runOffer(os.Args[2:])
	case "archive":
		err = runArchive(os.Args[2:])
	case "notify":
		err = runNotify(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "marketchat: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: marketchat <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat       Enter a chat, print incoming messages and send lines from stdin")
	fmt.Println("  offer      Offer actions: create <chat> <amount>, accept <offer>, decline <offer>")
	fmt.Println("  archive    Store every page of a chat's history in PostgreSQL")
	fmt.Println("  notify     Follow notifications forwarded to NATS by chat sessions")
	fmt.Println()
	fmt.Println("Run 'marketchat <command> -h' for command-specific options.")
}
