package main

import (
	"log"

	"github.com/vantagebank/hookline/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
