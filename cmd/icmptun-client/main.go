// icmptun-client is the initiating side of an ICMP tunnel: it couples
// stdin/stdout to an ODP endpoint tagged with endpoint id 1 by convention.
package main

import (
	"os"

	"github.com/icmptun/icmptun/internal/cli"
)

func main() {
	os.Exit(cli.Run("icmptun-client", 1))
}
