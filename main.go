package main

import "github.com/andresmejia3/softteacher/cmd"

func main() {
	cmd.Execute()
}
