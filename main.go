// Command forum-crawler runs and administers the forum crawl fleet.
package main

import "github.com/JakeFAU/forum-crawler/cmd"

func main() {
	cmd.Execute()
}
