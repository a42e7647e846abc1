// Package main provides the entry point for the converge CLI.
package main

import "os"

func main() {
	os.Exit(Execute())
}
