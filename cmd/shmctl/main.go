package main

import "github.com/srediag/shmregion/cmd/shmctl/cmd"

func main() {
	cmd.Execute()
}
