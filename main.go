package main

import "toolbridge/cmd/toolbridge/root"

func main() {
	root.Execute()
}
