package main

import "github.com/danmuck/canrelay/cmd/dumpctl/cmd"

func main() {
	cmd.Execute()
}
