package main

import "github.com/teru01/lockdb/dbcmd"

func main() {
	dbcmd.Execute()
}
