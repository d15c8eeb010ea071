// Command fdd-retriever discovers and retrieves Franchise Disclosure Documents from state portals.
package main

import (
	"github.com/JakeFAU/fdd-retriever/cmd"
)

func main() {
	cmd.Execute()
}
