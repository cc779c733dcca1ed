package main

import "thumbforge_backend/internal/app"

func main() {
	app.Run()
}
