// The main package for the catalogsync executable.
package main

import "github.com/JakeFAU/catalog-sync/cmd"

func main() {
	cmd.Execute()
}
