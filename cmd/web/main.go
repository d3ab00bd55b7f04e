package main

import "ovinet_backend/internal/app"

func main() {
	app.Run()
}
