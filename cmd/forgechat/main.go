package main

import (
	"os"

	"github.com/entrepeneur4lyf/forgechat/cmd/forgechat/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
