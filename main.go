package main

import "widgetchat/cmd"

func main() {
	cmd.Execute()
}
