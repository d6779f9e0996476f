package main

import "github.com/JakeFAU/web-progress/cmd"

func main() {
	cmd.Execute()
}
