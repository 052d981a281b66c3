// icmptun-server is the responding side of an ICMP tunnel: it couples
// stdin/stdout to an ODP endpoint tagged with endpoint id 2 by convention.
package main

import (
	"os"

	"github.com/icmptun/icmptun/internal/cli"
)

func main() {
	os.Exit(cli.Run("icmptun-server", 2))
}
