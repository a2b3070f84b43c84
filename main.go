package main

import "nearby-safety-backend/cmd"

func main() {
	cmd.Execute()
}
