// playwatch runs declarative remediation playbooks for infrastructure alerts.
package main

import "github.com/ppiankov/playwatch/internal/cli"

func main() {
	cli.Execute()
}
