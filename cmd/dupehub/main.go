package main

import (
	"os"

	"horse.fit/dupehub/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
