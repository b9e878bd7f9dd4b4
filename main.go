package main

import "github.com/ValentinKolb/hashDB/cmd"

func main() {
	cmd.Execute()
}
