package main

import (
	"log"

	"gpunode/services/nodeagent"
)

func main() {
	if err := nodeagent.Main(); err != nil {
		log.Fatalf("nodeagent: %v", err)
	}
}
