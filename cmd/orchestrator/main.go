// Package main is the entry point for the orchestrator service and CLI.
package main

func main() {
	Execute()
}
