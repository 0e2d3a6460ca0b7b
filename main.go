package main

import "github.com/arcward/scene/cmd"

func main() {
	cmd.Execute()
}
