package main

import "github.com/SOG-web/reauth-sub000/cmd/reauth/cmd"

func main() {
	cmd.Execute()
}
