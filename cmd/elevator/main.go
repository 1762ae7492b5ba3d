// Command elevator grants short-lived, scoped elevation tokens.
package main

import "github.com/ppiankov/elevator/internal/cli"

func main() {
	cli.Execute()
}
