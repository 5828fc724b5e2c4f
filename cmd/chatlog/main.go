package main

import (
	"log"
	_ "time/tzdata" // rollup.timezone must resolve on hosts without a zoneinfo database

	"chatlog/cmd/internal/app"
)

func main() {
	if err := app.Execute(); err != nil {
		log.Fatal(err)
	}
}
