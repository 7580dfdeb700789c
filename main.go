// The main package for the crawlengine executable.
package main

import (
	"github.com/khatiwada051/WebCrawler/cmd"
)

func main() {
	cmd.Execute()
}
