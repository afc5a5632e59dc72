// Command gogo is a command-line client for the orchestrator API.
package main

func main() {
	Execute()
}
