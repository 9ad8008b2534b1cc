// Copyright © 2018 One Concern

package main

import (
	"github.com/oneconcern/dedupstore/cmd/dedupstore/cmd"
)

func main() {
	cmd.Execute()
}
