package main

import "github.com/cloudquill/azure-agent/cmd"

func main() {
	cmd.Execute()
}
