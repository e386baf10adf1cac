// Command chronodump opens crash capsules saved by programs that use the
// capsule package, captures new ones from uninstrumented binaries under
// delve, and manages an archive of them.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
