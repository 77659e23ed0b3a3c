package main

import (
	"log"

	"github.com/isparth/Distributed-Systems/replog/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
