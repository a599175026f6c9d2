package main

import "supply-notifier/internal/cli"

func main() {
	cli.Execute()
}
